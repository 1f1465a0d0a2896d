// The replay binary reads a session journal and prints what the
// engine did: signals approved, orders and fills, closes by reason
// with exact realized P&L, and anything handed to the operator. Point
// it at the outbox file of a finished (or crashed) session.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/tradeforge/options-engine/internal/outbox"
)

func main() {
	log.SetFlags(0)
	var journalPath string
	var dump string
	flag.StringVar(&journalPath, "journal", "data/outbox.jsonl", "session journal path")
	flag.StringVar(&dump, "dump", "", "print raw entries of one kind (signal|order|fill|close|escalation|emergency)")
	flag.Parse()

	journal, err := outbox.Open(journalPath, 0)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	entries, err := journal.Entries()
	if err != nil {
		log.Fatalf("read journal: %v", err)
	}
	if len(entries) == 0 {
		fmt.Printf("journal %s is empty\n", journalPath)
		return
	}

	if dump != "" {
		for _, e := range entries {
			if e.Kind == dump {
				fmt.Printf("%s %s\n", e.At.Format("15:04:05"), string(e.Data))
			}
		}
		return
	}

	s := summarize(entries)
	s.print(journalPath, entries)
}

type closeBucket struct {
	count int
	pnl   decimal.Decimal
}

type summary struct {
	signals     map[string]int
	orders      map[string]int
	fills       int
	closes      map[string]*closeBucket
	partials    int
	realized    decimal.Decimal
	escalations []outbox.EscalationRecord
	emergencies []outbox.EmergencyRecord
	torn        int
}

func summarize(entries []outbox.Entry) *summary {
	s := &summary{
		signals: map[string]int{},
		orders:  map[string]int{},
		closes:  map[string]*closeBucket{},
	}
	for _, e := range entries {
		switch e.Kind {
		case outbox.KindSignal:
			var rec outbox.SignalRecord
			if !decode(e, &rec, s) {
				continue
			}
			s.signals[rec.Strategy]++
		case outbox.KindOrder:
			var rec outbox.OrderRecord
			if !decode(e, &rec, s) {
				continue
			}
			s.orders[rec.Status]++
		case outbox.KindFill:
			s.fills++
		case outbox.KindClose:
			var rec outbox.CloseRecord
			if !decode(e, &rec, s) {
				continue
			}
			bucket := s.closes[rec.Reason]
			if bucket == nil {
				bucket = &closeBucket{}
				s.closes[rec.Reason] = bucket
			}
			bucket.count++
			if pnl, err := decimal.NewFromString(rec.RealizedPnL); err == nil {
				bucket.pnl = bucket.pnl.Add(pnl)
				s.realized = s.realized.Add(pnl)
			}
			if rec.Partial {
				s.partials++
			}
		case outbox.KindEscalation:
			var rec outbox.EscalationRecord
			if !decode(e, &rec, s) {
				continue
			}
			s.escalations = append(s.escalations, rec)
		case outbox.KindEmergency:
			var rec outbox.EmergencyRecord
			if !decode(e, &rec, s) {
				continue
			}
			s.emergencies = append(s.emergencies, rec)
		}
	}
	return s
}

func decode(e outbox.Entry, v any, s *summary) bool {
	if err := json.Unmarshal(e.Data, v); err != nil {
		s.torn++
		return false
	}
	return true
}

func (s *summary) print(path string, entries []outbox.Entry) {
	first, last := entries[0].At, entries[len(entries)-1].At
	fmt.Printf("session journal %s: %d entries, %s to %s\n\n",
		path, len(entries), first.Format("2006-01-02 15:04:05"), last.Format("15:04:05"))

	fmt.Printf("signals   %d approved%s\n", total(s.signals), breakdown(s.signals))
	fmt.Printf("orders    %d submitted%s\n", total(s.orders), breakdown(s.orders))
	fmt.Printf("fills     %d\n", s.fills)

	closed := 0
	for _, b := range s.closes {
		closed += b.count
	}
	fmt.Printf("closes    %d", closed)
	if s.partials > 0 {
		fmt.Printf(" (%d partial)", s.partials)
	}
	fmt.Println()
	for _, reason := range sortedKeys(s.closes) {
		b := s.closes[reason]
		fmt.Printf("  %-18s %3d  %s\n", reason, b.count, money(b.pnl))
	}

	fmt.Printf("\nrealized P&L %s\n", money(s.realized))

	if len(s.escalations) > 0 {
		fmt.Printf("\nescalations %d\n", len(s.escalations))
		for _, rec := range s.escalations {
			fmt.Printf("  %s: %s (attempts %d)\n", rec.PositionID, rec.Reason, rec.Attempts)
		}
	}
	if len(s.emergencies) > 0 {
		fmt.Printf("\nemergency close-alls %d\n", len(s.emergencies))
		for _, rec := range s.emergencies {
			fmt.Printf("  trigger %q over %d positions\n", rec.Trigger, len(rec.Positions))
		}
	}
	if s.torn > 0 {
		fmt.Printf("\n%d entries could not be decoded\n", s.torn)
	}
}

func total(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func breakdown(m map[string]int) string {
	if len(m) == 0 {
		return ""
	}
	out := " ("
	for i, k := range sortedIntKeys(m) {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s %d", k, m[k])
	}
	return out + ")"
}

func money(d decimal.Decimal) string {
	if d.IsNegative() {
		return "-$" + d.Abs().StringFixed(2)
	}
	return "+$" + d.StringFixed(2)
}

func sortedKeys(m map[string]*closeBucket) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
