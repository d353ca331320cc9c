package warehouse

import "strings"

// Logical type families shared by contracts and catalogs.
const (
	TypeString    = "STRING"
	TypeInteger   = "INTEGER"
	TypeFloat     = "FLOAT"
	TypeNumeric   = "NUMERIC"
	TypeBoolean   = "BOOLEAN"
	TypeTimestamp = "TIMESTAMP"
	TypeDate      = "DATE"
	TypeJSON      = "JSON"
)

// LogicalType maps a native catalog type name to its logical family.
func LogicalType(native string) string {
	t := strings.ToUpper(strings.TrimSpace(native))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	switch t {
	case "INTEGER", "INT", "BIGINT", "SMALLINT", "TINYINT", "INT2", "INT4", "INT8", "BYTEINT":
		return TypeInteger
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "REAL":
		return TypeFloat
	case "NUMBER", "NUMERIC", "DECIMAL", "MONEY":
		if strings.HasSuffix(strings.ReplaceAll(strings.ToUpper(native), " ", ""), ",0)") {
			return TypeInteger
		}
		return TypeNumeric
	case "BOOLEAN", "BOOL", "BIT":
		return TypeBoolean
	case "DATE":
		return TypeDate
	case "JSON", "JSONB", "VARIANT", "OBJECT", "ARRAY":
		return TypeJSON
	}
	if strings.HasPrefix(t, "TIMESTAMP") || strings.HasPrefix(t, "DATETIME") {
		return TypeTimestamp
	}
	return TypeString
}

// TypesCompatible reports whether a column of native type satisfies the declared logical type.
// Numeric families are interchangeable at the catalog level (Snowflake reports every
// NUMBER(p,s) as NUMBER); value conformance is checked row by row.
func TypesCompatible(declared, native string) bool {
	want := strings.ToUpper(declared)
	got := LogicalType(native)
	if want == got {
		return true
	}
	switch want {
	case TypeInteger, TypeNumeric, TypeFloat:
		return got == TypeInteger || got == TypeNumeric || got == TypeFloat
	}
	return false
}
