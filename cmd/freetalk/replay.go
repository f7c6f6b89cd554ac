package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/jmerrifield20/freetalk/internal/checkpoint"
	"github.com/jmerrifield20/freetalk/internal/feed"
	"github.com/jmerrifield20/freetalk/internal/posts"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	replayFormat string
	replayTail   int
)

var replayCmd = &cobra.Command{
	Use:   "replay [checkpoint-file]",
	Short: "Rebuild the ledger from a checkpoint and print its state",
	Long: `Replay loads the checkpointed record log (dfuse.json_trx_file unless a path
is given), folds it into a fresh ledger exactly as the server does on startup,
and prints the resulting post count and irreversibility position.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayFormat, "format", "text", "Output format: text or json")
	replayCmd.Flags().IntVar(&replayTail, "tail", 0, "Also print the last N posts")
}

// replaySummary is the json output of replay.
type replaySummary struct {
	File              string              `json:"file"`
	Records           int                 `json:"records"`
	Posts             int                 `json:"posts"`
	TrackedBlocks     int                 `json:"tracked_blocks"`
	IrreversibleBlock int64               `json:"irreversible_block"`
	IrreversiblePost  *int                `json:"irreversible_post"`
	Cursor            string              `json:"cursor,omitempty"`
	Tail              []posts.IndexedPost `json:"tail,omitempty"`
}

func runReplay(cmd *cobra.Command, args []string) error {
	if replayFormat != "text" && replayFormat != "json" {
		return fmt.Errorf("unknown format %q (want text or json)", replayFormat)
	}

	path := viper.GetString("dfuse.json_trx_file")
	if len(args) == 1 {
		path = args[0]
	}

	logger := newLogger()
	defer logger.Sync() //nolint:errcheck

	summary, err := replay(path, replayTail, logger)
	if err != nil {
		return err
	}
	return printSummary(cmd.OutOrStdout(), summary, replayFormat)
}

func replay(path string, tail int, logger *zap.Logger) (replaySummary, error) {
	talk := viper.GetString("public.talk_contract")
	ledger := posts.New(posts.Config{Account: talk, Receiver: talk}, logger)
	receiver := feed.NewReceiver(feed.Config{}, nil, checkpoint.NewFileStore(path, logger), ledger, logger)
	if err := receiver.Start(); err != nil {
		return replaySummary{}, fmt.Errorf("replay %s: %w", path, err)
	}

	st := ledger.State()
	rs := receiver.Status()
	summary := replaySummary{
		File:              path,
		Records:           rs.Records,
		Posts:             len(st.Posts),
		TrackedBlocks:     len(st.Blocks),
		IrreversibleBlock: st.IrreversibleBlock,
		IrreversiblePost:  st.IrreversiblePost,
		Cursor:            rs.Cursor,
	}
	if tail > 0 {
		_, summary.Tail = ledger.Read(posts.Before, len(st.Posts), tail)
		if len(summary.Tail) > tail {
			summary.Tail = summary.Tail[:tail]
		}
	}
	return summary, nil
}

func printSummary(w io.Writer, s replaySummary, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	irreversiblePost := "none"
	if s.IrreversiblePost != nil {
		irreversiblePost = fmt.Sprint(*s.IrreversiblePost)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "file:\t%s\n", s.File)
	fmt.Fprintf(tw, "records:\t%d\n", s.Records)
	fmt.Fprintf(tw, "posts:\t%d\n", s.Posts)
	fmt.Fprintf(tw, "tracked blocks:\t%d\n", s.TrackedBlocks)
	fmt.Fprintf(tw, "irreversible block:\t%d\n", s.IrreversibleBlock)
	fmt.Fprintf(tw, "irreversible post:\t%s\n", irreversiblePost)
	if s.Cursor != "" {
		fmt.Fprintf(tw, "cursor:\t%s\n", s.Cursor)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Tail) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tUSER\tMESSAGE")
	for _, p := range s.Tail {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", p.Index, p.Post.User, p.Post.Message)
	}
	return tw.Flush()
}
