// Copyright (c) 2024 The Detonator Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package uuid

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var uuidRegexp = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

func TestGenerateShape(t *testing.T) {
	assert := assert.New(t)

	for i := 0; i < 100; i++ {
		u := Generate()
		assert.Regexp(uuidRegexp, u.String())
	}
}

func TestGenerateUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 1000; i++ {
		s := Generate().String()
		assert.False(t, seen[s], "duplicate uuid %s", s)
		seen[s] = true
	}
}
