package dispatch

import "testing"

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategySmart, false},
		{"smart", StrategySmart, false},
		{"round_robin", StrategyRoundRobin, false},
		{"least_loaded", StrategyLeastLoaded, false},
		{"  Smart  ", StrategySmart, false},
		{"fastest", "", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, err := ParseStrategy(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseStrategy(%q) accepted", tt.in)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseStrategy(%q) = %v, %v, want %v", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestPriorityDemote(t *testing.T) {
	t.Parallel()

	if got := PriorityUrgent.demote(); got != PriorityHigh {
		t.Fatalf("urgent demotes to %v, want high", got)
	}
	if got := PriorityLow.demote(); got != PriorityLow {
		t.Fatalf("low demotes to %v, want to stay low", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := Config{}.withDefaults()
	if c.Targets != 1 || c.QueueCap != 1000 || c.MaxRetries != 3 {
		t.Fatalf("core defaults wrong: %+v", c)
	}
	if c.Strategy != StrategySmart {
		t.Fatalf("strategy default = %v, want smart", c.Strategy)
	}
	if c.Rate.MessagesPerSecond != 10 || c.Rate.BurstLimit != 20 {
		t.Fatalf("rate defaults wrong: %+v", c.Rate)
	}
}
