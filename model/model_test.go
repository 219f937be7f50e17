package model

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUUIDWithSuffix(t *testing.T) {
	id := GenerateUUIDWithSuffix("jrn")

	require.True(t, strings.HasPrefix(id, "jrn_"))
	_, err := uuid.Parse(strings.TrimPrefix(id, "jrn_"))
	assert.NoError(t, err)
	assert.NotEqual(t, id, GenerateUUIDWithSuffix("jrn"))
}
