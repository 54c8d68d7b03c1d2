package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "debug", Format: "json"}, &buf)

	log.With(String("locomotive", "BR 218")).Info(context.Background(), "notch changed",
		Int("notch", 4), Err(errors.New("boom")))

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "notch changed", rec["msg"])
	assert.Equal(t, "BR 218", rec["locomotive"])
	assert.EqualValues(t, 4, rec["notch"])
	assert.Equal(t, "boom", rec["error"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(Config{Level: "warn"}, &buf)

	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestNoopDropsEverything(t *testing.T) {
	log := Noop().With(Any("k", 1))
	log.Error(context.Background(), "nothing")
	assert.Equal(t, Noop(), log)
}
