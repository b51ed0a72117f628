package main

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/vango-dev/liveballot/internal/errors"
	"github.com/vango-dev/liveballot/pkg/protocol"
)

type publishOptions struct {
	url       string
	question  string
	choices   []string
	expiresIn time.Duration
	userID    string
	timeout   time.Duration
}

func publishCmd() *cobra.Command {
	var opts publishOptions

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a new ballot",
		Long: `Publish a new ballot through the admin endpoint.

The current tally is closed and every connected session receives the new
ballot, followed by an empty tally.

Examples:
  liveballot publish --question "Where should we eat?" --choice Pizza --choice Sushi
  liveballot publish --url wss://vote.example.com/admin -q "Ship it?" -C Yes -C No --expires-in 5m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if err := publish(ctx, opts); err != nil {
				return err
			}
			success("Published %q with %d choices", opts.question, len(opts.choices))
			if opts.expiresIn > 0 {
				info("Voting closes in %s", opts.expiresIn)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.url, "url", "u", "ws://localhost:8080/admin", "Admin endpoint URL")
	cmd.Flags().StringVarP(&opts.question, "question", "q", "", "Ballot question")
	cmd.Flags().StringArrayVarP(&opts.choices, "choice", "C", nil, "Ballot choice (repeatable)")
	cmd.Flags().DurationVarP(&opts.expiresIn, "expires-in", "e", 0, "Close voting after this long (0 = never)")
	cmd.Flags().StringVar(&opts.userID, "user-id", "", "Identifier sent with the ballot")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Give up after this long")

	return cmd
}

// adminFrame is an outbound frame as a client writes it.
type adminFrame struct {
	Code   string `json:"code"`
	Data   any    `json:"data"`
	UserID string `json:"userId,omitempty"`
}

// publish sends one setBallot frame and waits for the server to broadcast
// the same ballot back.
func publish(ctx context.Context, opts publishOptions) error {
	if opts.question == "" || len(opts.choices) == 0 {
		return errors.New("E252")
	}

	payload := protocol.BallotPayload{
		Question: opts.question,
		Choices:  opts.choices,
	}
	if opts.expiresIn > 0 {
		expires := time.Now().Add(opts.expiresIn).Unix()
		payload.Expires = &expires
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.url, nil)
	if err != nil {
		return errors.New("E250").WithField(opts.url).Wrap(err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	frame, err := json.Marshal(adminFrame{
		Code:   protocol.CodeSetBallot,
		Data:   payload,
		UserID: opts.userID,
	})
	if err != nil {
		return errors.New("E251").Wrap(err)
	}

	// The greeting carries the current ballot, so only a setBallot matching
	// ours counts as the echo.
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.New("E251").Wrap(err)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.New("E251").
				WithDetail("The connection ended before the ballot was echoed. The server may have rejected it.").
				Wrap(err)
		}
		msg, err := protocol.Decode(raw)
		if err != nil || msg.Code != protocol.CodeSetBallot {
			continue
		}
		var echoed protocol.BallotData
		if err := json.Unmarshal(msg.Data, &echoed); err != nil {
			continue
		}
		if echoed.Question == payload.Question && slices.Equal(echoed.Choices, payload.Choices) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		}
	}
}
