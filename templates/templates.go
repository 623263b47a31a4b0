package templates

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aymerick/raymond"
	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
)

const (
	alphanumericChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	alphabeticChars   = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	numericChars      = "0123456789"
)

var registerOnce sync.Once

// Register installs the script helpers into raymond. Safe to call many times.
func Register() {
	registerOnce.Do(registerHelpers)
}

// fakers maps "Category.field" keys to generators usable inside utterances.
var fakers = map[string]func(f *gofakeit.Faker) string{
	"Name.first_name":    func(f *gofakeit.Faker) string { return f.FirstName() },
	"Name.last_name":     func(f *gofakeit.Faker) string { return f.LastName() },
	"Name.full_name":     func(f *gofakeit.Faker) string { return f.Name() },
	"Address.city":       func(f *gofakeit.Faker) string { return f.City() },
	"Address.state":      func(f *gofakeit.Faker) string { return f.State() },
	"Address.country":    func(f *gofakeit.Faker) string { return f.Country() },
	"Address.street":     func(f *gofakeit.Faker) string { return f.Street() },
	"Address.postcode":   func(f *gofakeit.Faker) string { return f.Zip() },
	"Food.fruit":         func(f *gofakeit.Faker) string { return f.Fruit() },
	"Food.vegetable":     func(f *gofakeit.Faker) string { return f.Vegetable() },
	"Animal.name":        func(f *gofakeit.Faker) string { return f.Animal() },
	"Color.name":         func(f *gofakeit.Faker) string { return f.Color() },
	"Misc.hobby":         func(f *gofakeit.Faker) string { return f.Hobby() },
	"Lorem.word":         func(f *gofakeit.Faker) string { return f.Word() },
	"Lorem.sentence":     func(f *gofakeit.Faker) string { return f.Sentence(5) },
	"Misc.uuid":          func(f *gofakeit.Faker) string { return f.UUID() },
	"Misc.digit":         func(f *gofakeit.Faker) string { return f.Digit() },
	"Internet.email":     func(f *gofakeit.Faker) string { return f.Email() },
	"Phone.number":       func(f *gofakeit.Faker) string { return f.Phone() },
	"Company.name":       func(f *gofakeit.Faker) string { return f.Company() },
	"Company.profession": func(f *gofakeit.Faker) string { return f.JobTitle() },
	"Time.weekday":       func(f *gofakeit.Faker) string { return f.WeekDay() },
	"Time.month":         func(f *gofakeit.Faker) string { return f.MonthString() },
}

func registerHelpers() {
	// {{randomValue type="NUMERIC" length=4}}
	raymond.RegisterHelper("randomValue", func(options *raymond.Options) string {
		kind := strings.ToUpper(options.HashStr("type"))
		length := 10
		if v := options.HashProp("length"); v != nil {
			length = toInt(v)
		}

		var result string
		switch kind {
		case "UUID":
			return uuid.New().String()
		case "ALPHABETIC":
			result = randomString(alphabeticChars, length)
		case "NUMERIC":
			result = randomString(numericChars, length)
		default:
			result = randomString(alphanumericChars, length)
		}
		if raymond.IsTrue(options.HashProp("uppercase")) {
			result = strings.ToUpper(result)
		}
		return result
	})

	// {{randomInt lower=1 upper=10}}, bounds inclusive
	raymond.RegisterHelper("randomInt", func(options *raymond.Options) string {
		lower, upper := 0, 100
		if v := options.HashProp("lower"); v != nil {
			lower = toInt(v)
		}
		if v := options.HashProp("upper"); v != nil {
			upper = toInt(v)
		}
		if lower > upper {
			lower, upper = upper, lower
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(upper-lower+1)))
		if err != nil {
			return strconv.Itoa(lower)
		}
		return strconv.Itoa(int(n.Int64()) + lower)
	})

	// {{now format="spoken" offset="1 day" timezone="America/New_York"}}
	raymond.RegisterHelper("now", func(options *raymond.Options) string {
		now := time.Now().UTC()
		if offset := options.HashStr("offset"); offset != "" {
			if d, err := ParseOffset(offset); err == nil {
				now = now.Add(d)
			}
		}
		if tz := options.HashStr("timezone"); tz != "" {
			if loc, err := time.LoadLocation(tz); err == nil {
				now = now.In(loc)
			}
		}
		return FormatTime(now, options.HashStr("format"))
	})

	// {{faker "Address.city"}}
	raymond.RegisterHelper("faker", func(key string) string {
		gen, ok := fakers[key]
		if !ok {
			return ""
		}
		return gen(gofakeit.New(0))
	})

	raymond.RegisterHelper("lower", func(value interface{}) raymond.SafeString {
		return raymond.SafeString(strings.ToLower(raymond.Str(value)))
	})

	raymond.RegisterHelper("upper", func(value interface{}) raymond.SafeString {
		return raymond.SafeString(strings.ToUpper(raymond.Str(value)))
	})

	raymond.RegisterHelper("cut", func(value interface{}, toRemove interface{}) raymond.SafeString {
		content := raymond.Str(value)
		removal := raymond.Str(toRemove)
		if removal == "" {
			return raymond.SafeString(content)
		}
		return raymond.SafeString(strings.ReplaceAll(content, removal, ""))
	})

	raymond.RegisterHelper("replace", func(value interface{}, old interface{}, newVal interface{}) raymond.SafeString {
		content := raymond.Str(value)
		oldStr := raymond.Str(old)
		if oldStr == "" {
			return raymond.SafeString(content)
		}
		return raymond.SafeString(strings.ReplaceAll(content, oldStr, raymond.Str(newVal)))
	})

	// {{substring value start=0 end=5}}, indices are clamped
	raymond.RegisterHelper("substring", func(value interface{}, options *raymond.Options) raymond.SafeString {
		content := raymond.Str(value)
		length := len(content)

		start := 0
		if v := options.HashProp("start"); v != nil {
			start = toInt(v)
		}
		end := length
		if v := options.HashProp("end"); v != nil {
			end = toInt(v)
		}

		start = clamp(start, 0, length)
		end = clamp(end, start, length)
		return raymond.SafeString(content[start:end])
	})
}

// FormatTime renders t for use in an utterance or expectation. Named formats:
// "" (RFC 3339), "epoch" (milliseconds), "unix", "date", "time", "weekday",
// "spoken" ("January 2"); anything else is a Go layout.
func FormatTime(t time.Time, format string) string {
	switch format {
	case "":
		return t.Format(time.RFC3339)
	case "epoch":
		return strconv.FormatInt(t.UnixMilli(), 10)
	case "unix":
		return strconv.FormatInt(t.Unix(), 10)
	case "date":
		return t.Format("2006-01-02")
	case "time":
		return t.Format("15:04")
	case "weekday":
		return t.Weekday().String()
	case "spoken":
		return t.Format("January 2")
	default:
		return t.Format(format)
	}
}

// ParseOffset parses offsets like "3 days", "-24 seconds" or "1 week".
func ParseOffset(offset string) (time.Duration, error) {
	parts := strings.Fields(strings.TrimSpace(offset))
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid offset format %q", offset)
	}

	value, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, err
	}

	unit := strings.TrimSuffix(strings.ToLower(parts[1]), "s")
	switch unit {
	case "second":
		return time.Duration(value) * time.Second, nil
	case "minute":
		return time.Duration(value) * time.Minute, nil
	case "hour":
		return time.Duration(value) * time.Hour, nil
	case "day":
		return time.Duration(value) * 24 * time.Hour, nil
	case "week":
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown time unit: %s", unit)
	}
}

func randomString(charset string, length int) string {
	if length <= 0 {
		return ""
	}
	result := make([]byte, length)
	max := big.NewInt(int64(len(charset)))
	for i := range result {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return ""
		}
		result[i] = charset[n.Int64()]
	}
	return string(result)
}

func toInt(val interface{}) int {
	switch v := val.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(v))
		return n
	default:
		return 0
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
