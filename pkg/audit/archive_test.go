package audit

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSegmentName_StripsDirectory(t *testing.T) {
	require.Equal(t, "audit.jsonl.20260101T000000.000000000", segmentName("/var/log/twinops/audit.jsonl.20260101T000000.000000000"))
}

func TestSegmentName_NoDirectoryReturnsInput(t *testing.T) {
	require.Equal(t, "audit.jsonl", segmentName("audit.jsonl"))
}
