package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
)

func render(w io.Writer, jsonOut bool, v map[string]any, human func(io.Writer, map[string]any)) error {
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w, v)
	return nil
}

// when renders an RFC 3339 field relative to now, e.g. "3 minutes ago".
func when(v any) string {
	s, _ := v.(string)
	if s == "" {
		return "-"
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%s (%s)", humanize.Time(t), t.Local().Format(time.DateTime))
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func count(v any) string {
	f, _ := v.(float64)
	return humanize.Comma(int64(f))
}

func list(v any) []map[string]any {
	items, _ := v.([]any)
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func printStatus(w io.Writer, m map[string]any) {
	uptime, _ := m["uptime_ms"].(float64)
	fmt.Fprintf(w, "Instance: %s\n", str(m["instance"]))
	fmt.Fprintf(w, "Uptime:   %s\n", (time.Duration(uptime) * time.Millisecond).Round(time.Second))
	fmt.Fprintf(w, "Pulls:    %s running of %s\n", count(m["pulls_running"]), count(m["pulls"]))
	fmt.Fprintf(w, "Dropped:  %s events\n", count(m["events_dropped"]))
}

func printPull(w io.Writer, m map[string]any) {
	fmt.Fprintf(w, "Subscription: %s\n", str(m["subscription"]))
	fmt.Fprintf(w, "Endpoint:     %s\n", str(m["endpoint"]))
	fmt.Fprintf(w, "State:        %s\n", str(m["state"]))
	fmt.Fprintf(w, "Message:      %s\n", str(m["message"]))
	fmt.Fprintf(w, "Since:        %s\n", when(m["timestamp"]))
}

func printPulls(w io.Writer, m map[string]any) {
	pulls := list(m["pulls"])
	if len(pulls) == 0 {
		fmt.Fprintln(w, "No pulls.")
		return
	}
	for _, p := range pulls {
		if e := str(p["error"]); e != "" {
			fmt.Fprintf(w, "%-24s %-12s %s\n", str(p["subscription"]), "INCONSISTENT", e)
			continue
		}
		fmt.Fprintf(w, "%-24s %-12s %s\n", str(p["subscription"]), str(p["state"]), when(p["timestamp"]))
	}
}

func printBackfill(w io.Writer, m map[string]any) {
	fmt.Fprintf(w, "Backfilled %s messages (%s skipped) over %s pages\n",
		count(m["processed"]), count(m["skipped"]), count(m["pages"]))
}

func printMessage(w io.Writer, m map[string]any) {
	state := "active"
	if deleted, _ := m["is_deleted"].(bool); deleted {
		state = "deleted"
	}
	fmt.Fprintf(w, "Message:  %s (%s)\n", str(m["message_id"]), state)
	fmt.Fprintf(w, "Sender:   %s\n", str(m["sender"]))
	fmt.Fprintf(w, "Created:  %s\n", when(m["created_at"]))
	fmt.Fprintf(w, "Text:     %s\n", str(m["text"]))
	revs := list(m["revisions"])
	if len(revs) > 1 {
		fmt.Fprintf(w, "Revisions (%d):\n", len(revs))
		for _, r := range revs {
			fmt.Fprintf(w, "  %s  %s\n", when(r["timestamp"]), str(r["value"]))
		}
	}
	if atts, _ := m["attachments"].([]any); len(atts) > 0 {
		fmt.Fprintf(w, "Attachments: %v\n", atts)
	}
}

func printTimeline(w io.Writer, m map[string]any) {
	entries := list(m["entries"])
	if len(entries) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(w, "%-32s %s\n", str(e["message_id"]), when(e["created_at"]))
	}
}

func printEvent(w io.Writer, m map[string]any) {
	fmt.Fprintf(w, "%s %-22s %v\n", str(m["timestamp"]), str(m["kind"]), m["payload"])
}

func printInstances(w io.Writer, m map[string]any) {
	items := list(m["instances"])
	if len(items) == 0 {
		fmt.Fprintln(w, "No instances found.")
		return
	}
	for _, it := range items {
		running := "stopped"
		if r, _ := it["running"].(bool); r {
			running = fmt.Sprintf("running, pid %s", str(it["pid"]))
		}
		fmt.Fprintf(w, "%-20s %s (%s)\n", str(it["name"]), str(it["path"]), running)
	}
}
