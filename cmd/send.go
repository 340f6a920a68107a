package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fingerhq/finger/internal/config"
)

var (
	sendTarget   string
	sendType     string
	sendRoute    string
	sendSender   string
	sendCallback string
	sendBlocking bool
	sendRaw      bool
)

var sendCmd = &cobra.Command{
	Use:   "send [message]",
	Short: "Send a message through the daemon",
	Long: `Submit one message to a module via POST /api/v1/message. The message
argument is sent as a JSON string unless --raw marks it as a JSON value.

The default target is the configured primary module; other targets are
subject to the daemon's direct-route guard.

Examples:
  finger send "refactor the config loader"
  finger send --blocking "run the test suite and report"
  finger send --target orchestrator --raw '{"task":"ship it","replace":true}'
  finger send --callback build-7 "long running job"`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVar(&sendTarget, "target", "", "target module id (default: the configured primary target)")
	sendCmd.Flags().StringVar(&sendType, "type", "", "message type (default: user_message)")
	sendCmd.Flags().StringVar(&sendRoute, "route", "", "named route override")
	sendCmd.Flags().StringVar(&sendSender, "sender", "cli", "source module id stamped on the message")
	sendCmd.Flags().StringVar(&sendCallback, "callback", "", "callback id: deliver async and park the result in the mailbox")
	sendCmd.Flags().BoolVar(&sendBlocking, "blocking", false, "wait for the handler result")
	sendCmd.Flags().BoolVar(&sendRaw, "raw", false, "treat the message argument as a JSON value, not a string")
}

func runSend(_ *cobra.Command, args []string) error {
	payload, err := encodeSendPayload(args[0], sendRaw)
	if err != nil {
		return err
	}

	target := sendTarget
	if target == "" {
		target = cfg.PrimaryTarget
	}

	body := map[string]any{
		"target":  target,
		"message": payload,
	}
	if sendType != "" {
		body["type"] = sendType
	}
	if sendRoute != "" {
		body["route"] = sendRoute
	}
	if sendSender != "" {
		body["sender"] = sendSender
	}
	if sendCallback != "" {
		body["callbackId"] = sendCallback
	}
	if sendBlocking {
		body["blocking"] = true
	}

	// Blocking sends hold the connection for up to the daemon's own
	// delivery budget.
	timeout := clientTimeout
	if sendBlocking {
		timeout = cfg.Blocking.Timeout() + 5*time.Second
	}

	var resp struct {
		MessageID string          `json:"messageId"`
		Status    string          `json:"status"`
		Result    json.RawMessage `json:"result"`
		Error     string          `json:"error"`
	}
	if err := daemonPost("/api/v1/message", body, &resp, timeout); err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", resp.MessageID, resp.Status)
	if resp.Error != "" {
		return fmt.Errorf("delivery failed: %s", resp.Error)
	}
	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		var pretty any
		if err := json.Unmarshal(resp.Result, &pretty); err == nil {
			return printJSON(pretty)
		}
		fmt.Println(string(resp.Result))
	}
	if sendCallback != "" {
		fmt.Printf("poll the result with GET %s/api/v1/mailbox/callback/%s\n", config.HubURL(), sendCallback)
	}
	return nil
}

// encodeSendPayload turns the CLI argument into the message field: a
// verbatim JSON value with --raw, a JSON string otherwise.
func encodeSendPayload(arg string, raw bool) (json.RawMessage, error) {
	if raw {
		if !json.Valid([]byte(arg)) {
			return nil, fmt.Errorf("--raw message is not valid JSON")
		}
		return json.RawMessage(arg), nil
	}
	b, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return json.RawMessage(b), nil
}
