package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// DefaultNamespace prefixes every key the client generates.
const DefaultNamespace = "odooflow"

// MaxKeyLength bounds the canonical form of a key, namespace included.
const MaxKeyLength = 250

// Key is a structured cache key. Its canonical string form is
// "{namespace}:{key}" and parses back into components on ':'.
type Key struct {
	Key       string
	Namespace string
	Model     string
	Operation string
	Params    map[string]any
}

// NewKey validates and builds a structured key.
func NewKey(namespace, key string) (Key, error) {
	k := Key{Key: key, Namespace: namespace}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// Validate enforces the key grammar: non-empty key and namespace, no
// whitespace in the key, canonical length of at most MaxKeyLength bytes.
// Empty segments between ':' separators are not checked.
func (k Key) Validate() error {
	if k.Key == "" {
		return newKeyError("cache key must be a non-empty string")
	}
	if k.Namespace == "" {
		return newKeyError("cache namespace must be a non-empty string")
	}
	if strings.ContainsAny(k.Key, " \t\n\r") {
		return newKeyError("cache key cannot contain whitespace")
	}
	if len(k.FullKey()) > MaxKeyLength {
		return newKeyError(fmt.Sprintf("cache key exceeds %d bytes", MaxKeyLength))
	}
	return nil
}

// FullKey returns the canonical namespaced form.
func (k Key) FullKey() string {
	return k.Namespace + ":" + k.Key
}

func (k Key) String() string { return k.Key }

// WithSuffix derives a new key with a segment appended.
func (k Key) WithSuffix(suffix string) Key {
	return Key{
		Key:       k.Key + ":" + suffix,
		Namespace: k.Namespace,
		Model:     k.Model,
		Operation: k.Operation,
		Params:    k.Params,
	}
}

// WithPrefix derives a new key with a segment prepended.
func (k Key) WithPrefix(prefix string) Key {
	return Key{
		Key:       prefix + ":" + k.Key,
		Namespace: k.Namespace,
		Model:     k.Model,
		Operation: k.Operation,
		Params:    k.Params,
	}
}

// ParseKey splits a canonical key back into its components. The first segment
// after the namespace is the model, the second the operation, the third an
// 8-hex-char params hash; anything further is free-form.
func ParseKey(full string) (Key, error) {
	parts := strings.Split(full, ":")
	if len(parts) < 2 {
		return Key{}, newKeyError("cache key must contain a namespace")
	}
	k := Key{
		Namespace: parts[0],
		Key:       strings.Join(parts[1:], ":"),
	}
	if len(parts) >= 2 {
		k.Model = parts[1]
	}
	if len(parts) >= 3 {
		k.Operation = parts[2]
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MakeKey builds a key for an arbitrary model operation:
// "{model}:{operation}:{hex8}".
func MakeKey(model, operation string, params map[string]any, namespace string) (Key, error) {
	if model == "" {
		return Key{}, newKeyError("model name is required for cache key")
	}
	if operation == "" {
		return Key{}, newKeyError("operation is required for cache key")
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	parts := []string{model, operation}
	if len(params) > 0 {
		parts = append(parts, hashParams(params))
	}

	k := Key{
		Key:       strings.Join(parts, ":"),
		Namespace: namespace,
		Model:     model,
		Operation: operation,
		Params:    params,
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MakeQueryKey builds the fingerprint key for a search_read:
// "query:{model}:{hex8}". Two queries with equal fingerprints share an entry.
func MakeQueryKey(model string, domain []any, fields []string, limit, offset int, order string, context map[string]any, namespace string) (Key, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	params := map[string]any{"domain": domain}
	if len(fields) > 0 {
		sorted := append([]string(nil), fields...)
		sort.Strings(sorted)
		params["fields"] = sorted
	}
	if limit > 0 {
		params["limit"] = limit
	}
	if offset > 0 {
		params["offset"] = offset
	}
	if order != "" {
		params["order"] = order
	}
	if len(context) > 0 {
		params["context"] = context
	}

	k := Key{
		Key:       "query:" + model + ":" + hashParams(params),
		Namespace: namespace,
		Model:     model,
		Operation: "search_read",
		Params:    params,
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// MakeRecordKey builds a key for one or more model records:
// "{model}:record:{ids}[:{fields}]".
func MakeRecordKey(model string, ids []int64, fields []string, namespace string) (Key, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	sortedIDs := append([]int64(nil), ids...)
	sort.Slice(sortedIDs, func(i, j int) bool { return sortedIDs[i] < sortedIDs[j] })
	idParts := make([]string, len(sortedIDs))
	for i, id := range sortedIDs {
		idParts[i] = strconv.FormatInt(id, 10)
	}

	parts := []string{model, "record", strings.Join(idParts, ",")}
	if len(fields) > 0 {
		sortedFields := append([]string(nil), fields...)
		sort.Strings(sortedFields)
		parts = append(parts, strings.Join(sortedFields, ","))
	}

	k := Key{
		Key:       strings.Join(parts, ":"),
		Namespace: namespace,
		Model:     model,
		Operation: "read",
		Params:    map[string]any{"ids": ids, "fields": fields},
	}
	if err := k.Validate(); err != nil {
		return Key{}, err
	}
	return k, nil
}

// hashParams canonicalizes params to sorted-key JSON and returns the first
// 8 hex chars of its sha256.
func hashParams(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		encoded, err := json.Marshal(params[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%q", fmt.Sprint(params[k])))
		}
		sb.WriteString(fmt.Sprintf("%q:%s", k, encoded))
	}
	sb.WriteByte('}')

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])[:8]
}
