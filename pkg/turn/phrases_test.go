package turn

import "testing"

func TestFarewellDetector(t *testing.T) {
	d := NewFarewellDetector(nil)
	cases := map[string]bool{
		"Okay, goodbye!":          true,
		"thank you so much":       true,
		"شكرا جزيلا":              true,
		"خلاص مع السلامة":         true,
		"I need a bylaw document": false,
		"hello there":             false,
		"":                        false,
	}
	for text, want := range cases {
		if got := d.Match(text); got != want {
			t.Fatalf("Match(%q) = %v, want %v", text, got, want)
		}
	}
}

func TestFarewellDetectorCustomKeywords(t *testing.T) {
	d := NewFarewellDetector([]string{"hang up", "  "})
	if !d.Match("please HANG UP now") || d.Match("goodbye") {
		t.Fatalf("custom keywords must replace defaults")
	}
}

func TestPhrasesFor(t *testing.T) {
	p := PhrasesFor("en-US", Phrases{Farewell: "Bye now"})
	if p.Farewell != "Bye now" || p.Welcome == "" || p.Welcome == defaultPhrases["ar"].Welcome {
		t.Fatalf("unexpected phrases: %+v", p)
	}
	if PhrasesFor("ar-SA", Phrases{}).Farewell != "شكراً لك! إلى اللقاء." {
		t.Fatalf("expected arabic farewell")
	}
	if PhrasesFor("fr", Phrases{}).Apology != defaultPhrases["ar"].Apology {
		t.Fatalf("unknown language must fall back to arabic")
	}
}

func TestStrategyByName(t *testing.T) {
	if StrategyByName("Polite").BargeInEnabled() {
		t.Fatalf("polite must disable barge-in")
	}
	if !StrategyByName("").BargeInEnabled() {
		t.Fatalf("default must allow barge-in")
	}
}
