package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_UsesLdflags(t *testing.T) {
	oldV, oldC, oldD := Version, Commit, Date
	t.Cleanup(func() { Version, Commit, Date = oldV, oldC, oldD })

	Version, Commit, Date = "1.2.3", "0123456789abcdef", "2026-10-01T00:00:00Z"

	i := Info()
	assert.Equal(t, "1.2.3", i.Version)
	assert.Equal(t, "0123456", i.Commit)
	assert.Equal(t, "2026-10-01T00:00:00Z", i.Date)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, i.Platform)

	assert.Equal(t, "netcertd 1.2.3 (commit: 0123456, built: 2026-10-01T00:00:00Z, "+i.Platform+")", Full())
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", short("abc"))
	assert.Equal(t, "abcdefg", short("abcdefghij"))
}
