package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// Fingerprint is a 32-byte content hash of a table schema.
type Fingerprint [32]byte

func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// SchemaFingerprint hashes a canonical rendering of the schema. Two schemas
// with the same field names, types and nullability produce the same
// fingerprint regardless of metadata.
func SchemaFingerprint(schema *arrow.Schema) Fingerprint {
	var sb strings.Builder
	for _, field := range schema.Fields() {
		writeCanonicalField(&sb, field)
	}
	return sha256.Sum256([]byte(sb.String()))
}

func writeCanonicalField(sb *strings.Builder, field arrow.Field) {
	sb.WriteString(field.Name)
	sb.WriteByte('=')
	// DataType.String renders nested types (lists, maps, structs) with their
	// child fields, so one level of recursion is already covered.
	sb.WriteString(field.Type.String())
	sb.WriteByte(':')
	sb.WriteString(strconv.FormatBool(field.Nullable))
	sb.WriteByte(';')
}
