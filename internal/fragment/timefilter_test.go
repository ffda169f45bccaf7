package fragment

import (
	"testing"
	"time"
)

func TestTimeFilterBoundaries(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	stamp := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)
	frag := Fragment{Created: stamp, Updated: stamp}

	cases := []struct {
		name   string
		filter TimeFilter
		want   bool
	}{
		{"after is inclusive", TimeFilter{Created: &TimeRange{After: "2025-06-10T00:00:00Z"}}, true},
		{"after excludes earlier", TimeFilter{Created: &TimeRange{After: "2025-06-10T00:00:01Z"}}, false},
		{"before is exclusive", TimeFilter{Created: &TimeRange{Before: "2025-06-10T00:00:00Z"}}, false},
		{"before includes earlier", TimeFilter{Created: &TimeRange{Before: "2025-06-10T00:00:01Z"}}, true},
		{"updated bounds", TimeFilter{Updated: &TimeRange{After: "2025-06-01T00:00:00Z", Before: "2025-06-11T00:00:00Z"}}, true},
		{"lastNDays inside window", TimeFilter{LastNDays: 6}, true},
		{"lastNDays outside window", TimeFilter{LastNDays: 5}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			filter := tc.filter
			compiled, err := filter.compile(now)
			if err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := compiled.matches(frag); got != tc.want {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTimeFilterOffsetsAreHonored(t *testing.T) {
	// RFC 3339 offsets must compare on the instant, not the wall string.
	now := time.Now().UTC()
	frag := Fragment{
		Created: time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC),
		Updated: now,
	}
	filter := TimeFilter{Created: &TimeRange{After: "2025-06-10T14:00:00+03:00"}} // 11:00 UTC
	compiled, err := filter.compile(now)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !compiled.matches(frag) {
		t.Error("offset timestamp should match the same instant")
	}
}
