// Command analyze prints quick, human-readable summaries of the stored chat
// history. For every room it reports message counts, the time span covered,
// the most active authors, and messages that would no longer pass inbound
// validation (blank or over the length limit).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"github.com/urfave/cli/v3"

	"github.com/wricardo/chat-relay/chat/config"
	"github.com/wricardo/chat-relay/chat/protocol"
	"github.com/wricardo/chat-relay/chat/store"
	"github.com/wricardo/chat-relay/chat/store/backend"
)

// topAuthors is how many authors a report lists.
const topAuthors = 3

// AuthorCount is one author and how many messages they sent.
type AuthorCount struct {
	Username string
	Messages int
}

// RoomReport summarises the analysed window of one room.
type RoomReport struct {
	Room     string
	Messages int
	FirstSeq int64
	LastSeq  int64
	First    time.Time
	Last     time.Time
	Authors  []AuthorCount
	Blank    []int64
	TooLong  []int64
}

func main() {
	cmd := &cli.Command{
		Name:  "analyze",
		Usage: "summarise stored chat history",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Value: ".env", Usage: "load environment variables from this file when it exists"},
			&cli.StringFlag{Name: "store", Usage: "store backend (overrides CHAT_STORE)"},
			&cli.StringFlag{Name: "path", Usage: "store path (overrides CHAT_STORE_PATH)"},
			&cli.IntFlag{Name: "limit", Value: 1000, Usage: "most recent messages analysed per room"},
		},
		ArgsUsage: "[room...]",
		Action:    run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return err
	}
	kind, path := cfg.Store, cfg.StorePath
	if cmd.IsSet("store") {
		kind = cmd.String("store")
	}
	if cmd.IsSet("path") {
		path = cmd.String("path")
	}

	st, err := backend.Open(ctx, kind, path)
	if err != nil {
		return err
	}
	defer st.Close()

	return analyzeStore(ctx, os.Stdout, st, cmd.Args().Slice(), int(cmd.Int("limit")))
}

// analyzeStore writes a report for each room, or for every stored room when
// rooms is empty.
func analyzeStore(ctx context.Context, w io.Writer, st store.Store, rooms []string, limit int) error {
	if len(rooms) == 0 {
		var err error
		if rooms, err = st.Rooms(ctx); err != nil {
			return fmt.Errorf("list rooms: %w", err)
		}
	}
	if len(rooms) == 0 {
		fmt.Fprintln(w, "No stored rooms.")
		return nil
	}

	for _, room := range rooms {
		msgs, err := st.LastN(ctx, room, limit)
		if err != nil {
			return fmt.Errorf("read %s: %w", room, err)
		}
		fmt.Fprintf(w, "\n=== Analyzing %s ===\n", room)
		printReport(w, analyzeRoom(room, msgs), limit)
	}
	return nil
}

// analyzeRoom builds the report for msgs, oldest first.
func analyzeRoom(room string, msgs []store.Message) RoomReport {
	report := RoomReport{Room: room, Messages: len(msgs)}
	if len(msgs) == 0 {
		return report
	}

	report.FirstSeq, report.LastSeq = msgs[0].Seq, msgs[len(msgs)-1].Seq
	report.First, report.Last = msgs[0].CreatedAt, msgs[len(msgs)-1].CreatedAt

	counts := lo.CountValuesBy(msgs, func(m store.Message) string { return m.Username })
	report.Authors = lo.MapToSlice(counts, func(name string, n int) AuthorCount {
		return AuthorCount{Username: name, Messages: n}
	})
	sort.Slice(report.Authors, func(i, j int) bool {
		a, b := report.Authors[i], report.Authors[j]
		if a.Messages != b.Messages {
			return a.Messages > b.Messages
		}
		return a.Username < b.Username
	})

	for _, m := range msgs {
		switch {
		case strings.TrimSpace(m.Body) == "":
			report.Blank = append(report.Blank, m.Seq)
		case utf8.RuneCountInString(m.Body) > protocol.MaxMessageRunes:
			report.TooLong = append(report.TooLong, m.Seq)
		}
	}
	return report
}

func printReport(w io.Writer, r RoomReport, limit int) {
	if r.Messages == 0 {
		fmt.Fprintf(w, "No messages\n")
		return
	}

	fmt.Fprintf(w, "Messages: %d (seq %d to %d)\n", r.Messages, r.FirstSeq, r.LastSeq)
	if r.Messages == limit {
		fmt.Fprintf(w, "   only the last %d were analysed\n", limit)
	}
	fmt.Fprintf(w, "Span: %s to %s (%s)\n",
		r.First.Format(time.RFC3339), r.Last.Format(time.RFC3339), r.Last.Sub(r.First).Round(time.Second))
	fmt.Fprintf(w, "Authors: %d\n", len(r.Authors))
	for i, a := range r.Authors {
		if i == topAuthors {
			fmt.Fprintf(w, "   ... and %d more\n", len(r.Authors)-topAuthors)
			break
		}
		fmt.Fprintf(w, "   %s: %d\n", a.Username, a.Messages)
	}

	if len(r.Blank)+len(r.TooLong) == 0 {
		fmt.Fprintf(w, "✅ All messages pass inbound validation\n")
		return
	}
	if len(r.Blank) > 0 {
		fmt.Fprintf(w, "⚠️  WARNING: %d blank messages (seq %s)\n", len(r.Blank), joinSeqs(r.Blank))
	}
	if len(r.TooLong) > 0 {
		fmt.Fprintf(w, "⚠️  WARNING: %d messages over %d characters (seq %s)\n", len(r.TooLong), protocol.MaxMessageRunes, joinSeqs(r.TooLong))
	}
}

// joinSeqs lists up to five sequence numbers.
func joinSeqs(seqs []int64) string {
	shown := lo.Map(lo.Slice(seqs, 0, 5), func(s int64, _ int) string { return fmt.Sprint(s) })
	out := strings.Join(shown, ", ")
	if len(seqs) > 5 {
		out += fmt.Sprintf(", ... and %d more", len(seqs)-5)
	}
	return out
}
