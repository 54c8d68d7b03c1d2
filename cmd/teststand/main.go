// Command teststand drives locomotives on the roller test stand and records
// the measuring-wheel pulses of each run.
package main

func main() {
	Execute()
}
