package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Row 是一行查询结果，列顺序与数据库返回一致
type Row = *orderedmap.OrderedMap[string, any]

// Result 是按数据库返回顺序排列的行。失败时为空。
type Result []Row

// JSON 序列化为 JSON 数组；空结果固定为 "[]"。
func (r Result) JSON() string {
	if len(r) == 0 {
		return "[]"
	}
	b, err := json.Marshal([]Row(r))
	if err != nil {
		return "[]"
	}
	return string(b)
}

// Columns 返回首行的列名
func (r Result) Columns() []string {
	if len(r) == 0 {
		return nil
	}
	cols := make([]string, 0, r[0].Len())
	for pair := r[0].Oldest(); pair != nil; pair = pair.Next() {
		cols = append(cols, pair.Key)
	}
	return cols
}

// CountRows 统计工具输出（JSON 数组）中的行数，无法解析时返回 0。
func CountRows(payload string) int {
	var rows []json.RawMessage
	if err := json.Unmarshal([]byte(payload), &rows); err != nil {
		return 0
	}
	return len(rows)
}

// uniqueColumns 为重名列追加序号：两个未命名的 count(*) 会得到 count 与 count_2。
func uniqueColumns(names []string) []string {
	seen := make(map[string]int, len(names))
	out := make([]string, len(names))
	for i, name := range names {
		seen[name]++
		if n := seen[name]; n > 1 {
			name = name + "_" + strconv.Itoa(n)
		}
		out[i] = name
	}
	return out
}

// normalize 把驱动返回的值转换为可以直接 JSON 序列化的标量
func normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, bool, int16, int32, int64, int, float32, float64:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case pgtype.Numeric:
		if !x.Valid {
			return nil
		}
		f, err := x.Float64Value()
		if err != nil || !f.Valid {
			return nil
		}
		return f.Float64
	case pgtype.Interval:
		if !x.Valid {
			return nil
		}
		return formatInterval(x)
	case pgtype.Time:
		if !x.Valid {
			return nil
		}
		return (time.Duration(x.Microseconds) * time.Microsecond).String()
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return string(x)
	case netip.Prefix:
		return x.String()
	case netip.Addr:
		return x.String()
	case map[string]any, []any:
		return x
	case driver.Valuer:
		out, err := x.Value()
		if err != nil {
			return nil
		}
		return out
	case fmt.Stringer:
		return x.String()
	default:
		return x
	}
}

// formatInterval 输出 PostgreSQL 风格的时间间隔，例如 "1 mon 3 days 04:05:06"
func formatInterval(iv pgtype.Interval) string {
	var parts []string
	if iv.Months != 0 {
		years, months := iv.Months/12, iv.Months%12
		if years != 0 {
			parts = append(parts, plural(int64(years), "year"))
		}
		if months != 0 {
			parts = append(parts, plural(int64(months), "mon"))
		}
	}
	if iv.Days != 0 {
		parts = append(parts, plural(int64(iv.Days), "day"))
	}
	if iv.Microseconds != 0 || len(parts) == 0 {
		us := iv.Microseconds
		sign := ""
		if us < 0 {
			sign = "-"
			us = -us
		}
		h := us / int64(time.Hour/time.Microsecond)
		us -= h * int64(time.Hour/time.Microsecond)
		m := us / int64(time.Minute/time.Microsecond)
		us -= m * int64(time.Minute/time.Microsecond)
		s := us / int64(time.Second/time.Microsecond)
		us -= s * int64(time.Second/time.Microsecond)
		clock := fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, s)
		if us != 0 {
			clock += fmt.Sprintf(".%06d", us)
		}
		parts = append(parts, clock)
	}
	return strings.Join(parts, " ")
}

func plural(n int64, unit string) string {
	if n == 1 || n == -1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
