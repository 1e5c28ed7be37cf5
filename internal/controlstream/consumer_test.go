package controlstream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/streamspace/collab-core/internal/db"
)

func TestParseCollabType(t *testing.T) {
	assert.Equal(t, db.CollabTypeDocument, parseCollabType("0"))
	assert.Equal(t, db.CollabTypeFolder, parseCollabType("3"))
	assert.Equal(t, db.CollabTypeDocument, parseCollabType("not-a-number"))
}

func TestIsBusyGroupErr(t *testing.T) {
	assert.True(t, isBusyGroupErr(errors.New("BUSYGROUP Consumer Group name already exists")))
	assert.False(t, isBusyGroupErr(errors.New("connection refused")))
}
