package interest

import (
	"sync"
	"testing"
)

func TestFromTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  Set
	}{
		{"book", Book},
		{"price_change", PriceChange},
		{"tick_size_change", TickSizeChange},
		{"last_trade_price", LastTradePrice},
		{"trade", Trade},
		{"order", Order},
		{"crypto_prices", CryptoPrice},
		{"comments", Comment},
		{"activity", Activity},
		{"", None},
		{"BOOK", None},
		{"unknown_topic", None},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			if got := FromTopic(tt.topic); got != tt.want {
				t.Errorf("FromTopic(%q) = %v, want %v", tt.topic, got, tt.want)
			}
		})
	}
}

func TestSet_AllIsUnion(t *testing.T) {
	var union Set
	for _, s := range topics {
		union |= s
	}
	if All != union {
		t.Errorf("All = %b, want %b", All, union)
	}
	if Market|User|CryptoPrice|Comment|Activity != All {
		t.Error("channel groups do not cover All")
	}
}

func TestSet_Has(t *testing.T) {
	tests := []struct {
		name  string
		s     Set
		other Set
		want  bool
	}{
		{"single member", Book | Trade, Book, true},
		{"all members", Book | Trade, Book | Trade, true},
		{"partial overlap", Book, Book | Trade, false},
		{"disjoint", Book, Order, false},
		{"none is never held", All, None, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Has(tt.other); got != tt.want {
				t.Errorf("%v.Has(%v) = %v, want %v", tt.s, tt.other, got, tt.want)
			}
		})
	}
}

func TestSet_String(t *testing.T) {
	if got := None.String(); got != "none" {
		t.Errorf("None.String() = %q, want none", got)
	}
	if got := (Book | Trade).String(); got != "book|trade" {
		t.Errorf("String() = %q, want book|trade", got)
	}
}

func TestTracker_AddIsMonotonic(t *testing.T) {
	tr := NewTracker()
	if tr.Current() != None {
		t.Fatalf("Current() = %v, want none", tr.Current())
	}

	tr.Add(Book)
	tr.Add(Trade)
	tr.Add(None)

	if got := tr.Current(); got != Book|Trade {
		t.Errorf("Current() = %v, want book|trade", got)
	}

	tr.Add(Book)
	if got := tr.Current(); got != Book|Trade {
		t.Errorf("Current() after re-add = %v, want book|trade", got)
	}
}

func TestTracker_InterestedInTopic(t *testing.T) {
	tr := NewTracker()
	tr.Add(PriceChange | CryptoPrice)

	for topic, cat := range topics {
		want := cat == PriceChange || cat == CryptoPrice
		if got := tr.InterestedInTopic(topic); got != want {
			t.Errorf("InterestedInTopic(%q) = %v, want %v", topic, got, want)
		}
	}

	tr.Replace(All)
	for _, topic := range []string{"", "nope", "PRICE_CHANGE"} {
		if tr.InterestedInTopic(topic) {
			t.Errorf("InterestedInTopic(%q) = true for unknown topic", topic)
		}
	}
}

func TestTracker_Replace(t *testing.T) {
	tr := NewTracker()
	tr.Add(Market)
	tr.Replace(Book)

	if tr.InterestedIn(PriceChange) {
		t.Error("PriceChange should be cleared after Replace")
	}
	if !tr.InterestedIn(Book) {
		t.Error("Book should remain after Replace")
	}
}

func TestTracker_ConcurrentAdd(t *testing.T) {
	tr := NewTracker()
	cats := []Set{Book, PriceChange, TickSizeChange, LastTradePrice, Trade, Order, CryptoPrice, Comment, Activity}

	var wg sync.WaitGroup
	for _, c := range cats {
		wg.Add(1)
		go func(c Set) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				tr.Add(c)
				_ = tr.InterestedInTopic("book")
			}
		}(c)
	}
	wg.Wait()

	if tr.Current() != All {
		t.Errorf("Current() = %v, want all", tr.Current())
	}
}
