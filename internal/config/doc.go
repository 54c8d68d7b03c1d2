// Package config holds the runtime configuration of the test-stand service.
//
// Values are resolved in three layers: built-in defaults (Default), an
// optional YAML file, and TESTSTAND_* environment variables. The merged
// result is checked by Validate before any component is constructed.
//
// Timing values (poll interval, settle dwell, lead-in) are grouped in
// TimingConfig because the motion controller and the telemetry hub both
// consume them.
package config
