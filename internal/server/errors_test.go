package server

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Tyrowin/relay/internal/protocol"
)

func TestNoticeCode(t *testing.T) {
	for _, nc := range noticeCodes {
		wrapped := fmt.Errorf("context: %w", nc.err)
		assert.Equal(t, nc.code, noticeCode(wrapped), "code for %v", nc.err)
	}

	assert.Equal(t, protocol.CodeInternal, noticeCode(errors.New("disk on fire")))
	assert.Equal(t, protocol.CodeRoomExists, noticeCode(ErrDuplicateRoom))
}
