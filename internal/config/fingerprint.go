package config

import (
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint identifies the compile configuration. Cache entries remember
// the fingerprint they were compiled under; any change to the monitored
// extensions or transform options makes every entry miss.
func (c *CompileConfig) Fingerprint() string {
	hasher := xxhash.New()

	exts := append([]string(nil), c.Extensions...)
	sort.Strings(exts)
	for _, ext := range exts {
		_, _ = hasher.WriteString(ext)
		_, _ = hasher.Write([]byte{0})
	}
	_, _ = hasher.Write([]byte{0}) // Section separator

	for _, field := range []string{
		c.Transpiler,
		c.Command,
		c.Target,
		c.Format,
		c.JSX,
		c.JSXFactory,
		c.JSXFragment,
		c.Sourcemap,
	} {
		_, _ = hasher.WriteString(field)
		_, _ = hasher.Write([]byte{0})
	}

	return fmt.Sprintf("%016x", hasher.Sum64())
}
