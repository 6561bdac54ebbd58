package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Key identifies a cached value. Distinct tuples never collide: String keeps
// a placeholder for the namespace segment whenever a version is present.
type Key struct {
	Type      string
	ID        string
	Namespace string
	Version   string
}

// String renders the deterministic map key: type:id[:namespace[:version]].
// A set version always carries the namespace segment, even when empty, so a
// version-only key can never render the same as a namespace-only key.
func (k Key) String() string {
	s := k.Type + ":" + k.ID
	if k.Version != "" {
		return s + ":" + k.Namespace + ":" + k.Version
	}
	if k.Namespace != "" {
		return s + ":" + k.Namespace
	}
	return s
}

// Entry types used by the domain helpers below. Per-type quotas in Config
// key off these.
const (
	TypeLLMResponse = "llm-response"
	TypeToolResult  = "tool-result"
	TypeFileContent = "file-content"
)

// hashText creates a SHA256 hash of the given text.
func hashText(value string) string {
	h := sha256.Sum256([]byte(value))
	return hex.EncodeToString(h[:])
}

// stableStringify renders params deterministically (sorted keys) so the same
// logical request always hashes to the same cache ID.
func stableStringify(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		if raw, err := json.Marshal(params[k]); err == nil {
			b.Write(raw)
		} else {
			fmt.Fprintf(&b, "%v", params[k])
		}
	}
	return b.String()
}

// LLMResponseKey builds the key for a model response: the prompt and request
// params are hashed into the ID, the model name becomes the namespace.
func LLMResponseKey(model, prompt string, params map[string]any) Key {
	return Key{
		Type:      TypeLLMResponse,
		ID:        hashText(prompt + "|" + stableStringify(params)),
		Namespace: model,
	}
}

// ToolResultKey builds the key for a tool invocation result.
func ToolResultKey(tool, argsJSON string) Key {
	return Key{
		Type:      TypeToolResult,
		ID:        hashText(argsJSON),
		Namespace: tool,
	}
}

// FileContentKey builds the key for file contents. Mtime and size are part
// of the version segment so a changed file never serves stale bytes.
func FileContentKey(path string, mtimeUnixMs, size int64) Key {
	return Key{
		Type:    TypeFileContent,
		ID:      hashText(path),
		Version: fmt.Sprintf("%d-%d", mtimeUnixMs, size),
	}
}
