package adapter

import (
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// pgTypeNames maps the OIDs of common built-in Postgres types to their
// familiar names. Unknown OIDs render as unknown(<oid>).
var pgTypeNames = map[uint32]string{
	16:   "bool",
	17:   "bytea",
	18:   "char",
	19:   "name",
	20:   "int8",
	21:   "int2",
	23:   "int4",
	25:   "text",
	26:   "oid",
	114:  "json",
	142:  "xml",
	700:  "float4",
	701:  "float8",
	790:  "money",
	1042: "bpchar",
	1043: "varchar",
	1082: "date",
	1083: "time",
	1114: "timestamp",
	1184: "timestamptz",
	1186: "interval",
	1266: "timetz",
	1560: "bit",
	1562: "varbit",
	1700: "numeric",
	2950: "uuid",
	3802: "jsonb",
	1000: "bool[]",
	1005: "int2[]",
	1007: "int4[]",
	1016: "int8[]",
	1009: "text[]",
	1015: "varchar[]",
	1021: "float4[]",
	1022: "float8[]",
	1231: "numeric[]",
	600:  "point",
	604:  "polygon",
	650:  "cidr",
	869:  "inet",
	829:  "macaddr",
}

func pgTypeName(oid uint32) string {
	if name, ok := pgTypeNames[oid]; ok {
		return name
	}
	return "unknown(" + itoa(oid) + ")"
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// mysqlTypeName lowercases the driver-reported type so columns read the way
// they do in SHOW COLUMNS output.
func mysqlTypeName(databaseType string) string {
	if databaseType == "" {
		return "unknown"
	}
	return strings.ToLower(databaseType)
}

// inferTypeName names a value's type the way Mongo tools label BSON types.
// Also used for synthetic command rows on the SQL side.
func inferTypeName(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case string:
		return "string"
	case int, int32:
		return "int"
	case int64:
		return "long"
	case float32, float64:
		return "double"
	case primitive.ObjectID:
		return "objectId"
	case primitive.DateTime, time.Time:
		return "date"
	case primitive.Decimal128:
		return "decimal"
	case primitive.Regex:
		return "regex"
	case primitive.Binary, []byte:
		return "binData"
	case primitive.Timestamp:
		return "timestamp"
	case map[string]interface{}, primitive.M, primitive.D:
		return "object"
	case []interface{}, primitive.A:
		return "array"
	default:
		return "unknown"
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
