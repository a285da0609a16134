// Copyright (C) 2025 Harbor AI (engineering@harborai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	config := DefaultConfig()
	config.InMemory = true
	// Keep the background sweep out of the way for deterministic tests.
	config.SweepInitialDelay = time.Hour
	config.SweepInterval = time.Hour

	s, err := Open(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestKey_Deterministic(t *testing.T) {
	k1 := Key("completion", map[string]any{"prompt": "hello"})
	k2 := Key("completion", map[string]any{"prompt": "hello"})
	assert.Equal(t, k1, k2)
}

func TestKey_StepTypeSeparatesNamespaces(t *testing.T) {
	input := "same input"
	assert.NotEqual(t, Key("completion", input), Key("transform", input))
}

func TestKey_DifferentInputsDiffer(t *testing.T) {
	assert.NotEqual(t, Key("completion", "a"), Key("completion", "b"))
}

func TestKey_BoundedSerialization(t *testing.T) {
	// Inputs that agree beyond the bounded prefix key identically.
	prefix := strings.Repeat("x", boundedInputBytes*2)
	k1 := Key("completion", prefix+"tail-one")
	k2 := Key("completion", prefix+"tail-two")
	assert.Equal(t, k1, k2)
}

func TestStore_SetGetRoundtrip(t *testing.T) {
	s := openTestStore(t)

	key := Key("transform", "input")
	payload, _ := json.Marshal(map[string]string{"result": "ok"})

	require.NoError(t, s.Set(key, payload, time.Hour))

	got, hit, err := s.Get(key)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.JSONEq(t, string(payload), string(got))
}

func TestStore_MissOnAbsentKey(t *testing.T) {
	s := openTestStore(t)

	_, hit, err := s.Get(Key("transform", "never written"))
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStore_ExpiredEntryIsMiss(t *testing.T) {
	s := openTestStore(t)

	key := Key("transform", "input")
	require.NoError(t, s.Set(key, json.RawMessage(`"v"`), time.Minute))

	// Advance the clock past the TTL.
	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

	_, hit, err := s.Get(key)
	require.NoError(t, err)
	assert.False(t, hit)

	// The expired entry was deleted on read: with the clock restored it
	// stays gone.
	s.now = time.Now
	_, hit, err = s.Get(key)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestStore_SweepDeletesOnlyExpired(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Set("short", json.RawMessage(`"a"`), time.Minute))
	require.NoError(t, s.Set("long", json.RawMessage(`"b"`), time.Hour))

	s.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	deleted, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, hit, err := s.Get("long")
	require.NoError(t, err)
	assert.True(t, hit)
}

func TestStore_EnforceSizeLimitEvictsOldest(t *testing.T) {
	s := openTestStore(t)

	base := time.Now()
	clock := base
	s.now = func() time.Time { return clock }

	// Three 100-byte payloads written a minute apart.
	payload := json.RawMessage(`"` + strings.Repeat("p", 98) + `"`)
	for i, key := range []string{"oldest", "middle", "newest"} {
		clock = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Set(key, payload, time.Hour))
	}
	clock = base.Add(5 * time.Minute)

	deleted, err := s.EnforceSizeLimit(250)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, hit, err := s.Get("oldest")
	require.NoError(t, err)
	assert.False(t, hit, "oldest entry should be evicted first")

	for _, key := range []string{"middle", "newest"} {
		_, hit, err := s.Get(key)
		require.NoError(t, err)
		assert.True(t, hit, "entry %q should survive", key)
	}
}

func TestStore_EnforceSizeLimitNoopUnderBudget(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("k", json.RawMessage(`"small"`), time.Hour))

	deleted, err := s.EnforceSizeLimit(1 << 20)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestStore_EmptyKeyRejected(t *testing.T) {
	s := openTestStore(t)

	assert.ErrorIs(t, s.Set("", nil, 0), ErrEmptyKey)
	_, _, err := s.Get("")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestStore_ClosedStoreErrors(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Set("k", nil, 0), ErrClosed)
	_, _, err := s.Get("k")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Sweep()
	assert.ErrorIs(t, err, ErrClosed)

	// Double close is harmless.
	assert.NoError(t, s.Close())
}

func TestStore_Clear(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Set("k", json.RawMessage(`"v"`), time.Hour))
	require.NoError(t, s.Clear())

	_, hit, err := s.Get("k")
	require.NoError(t, err)
	assert.False(t, hit)
}
