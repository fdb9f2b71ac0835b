package api

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateResourceID(t *testing.T) {
	long := "dhcp-" + strings.Repeat("a", 40)
	assert.Len(t, TruncateResourceID(long), MaxResourceIDLen)
	assert.Equal(t, "dhcp-net-1", TruncateResourceID("dhcp-net-1"))
}

func TestParseApplianceSize(t *testing.T) {
	size, ok := ParseApplianceSize("Large")
	assert.True(t, ok)
	assert.Equal(t, SizeLarge, size)

	_, ok = ParseApplianceSize("jumbo")
	assert.False(t, ok)
}

func TestParseEdgeType(t *testing.T) {
	et, ok := ParseEdgeType("VDR")
	assert.True(t, ok)
	assert.Equal(t, EdgeTypeVDR, et)

	_, ok = ParseEdgeType("router")
	assert.False(t, ok)
}

func TestRouterBindingHelpers(t *testing.T) {
	rb := &RouterBinding{ResourceID: BackupPrefix + "abc", Status: StatusActive}
	assert.True(t, rb.IsBackup())
	assert.True(t, rb.InUse())

	rb.Status = StatusPendingDelete
	assert.False(t, rb.InUse())

	c := rb.Copy()
	c.Status = StatusError
	assert.Equal(t, StatusPendingDelete, rb.Status)
}
