package list

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"k8s.io/utils/ptr"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"go.miloapis.com/email-provider-listapi/pkg/listapi"
)

// settingFlags maps each settings flag to the override it fills in.
var settingFlags = []struct {
	name  string
	usage string
	field func(*listapi.Overrides) **bool
}{
	{"double-optin", "Require the subscriber to confirm by email", func(o *listapi.Overrides) **bool { return &o.DoubleOptIn }},
	{"send-welcome", "Send a welcome email on subscribe", func(o *listapi.Overrides) **bool { return &o.SendWelcome }},
	{"update-existing", "Update the member when it already exists", func(o *listapi.Overrides) **bool { return &o.UpdateExisting }},
	{"delete-member", "Delete the member on unsubscribe instead of archiving it", func(o *listapi.Overrides) **bool { return &o.DeleteMember }},
	{"send-goodbye", "Send a goodbye email on unsubscribe", func(o *listapi.Overrides) **bool { return &o.SendGoodbye }},
	{"send-notify", "Notify the list owner on unsubscribe", func(o *listapi.Overrides) **bool { return &o.SendNotify }},
}

type options struct {
	apiKey   string
	listID   string
	endpoint string
	email    string
	output   string
	settings map[string]*bool
	zapOpts  zap.Options
}

func newOptions() *options {
	return &options{
		settings: map[string]*bool{},
		zapOpts:  zap.Options{Development: true},
	}
}

func (o *options) bindFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.apiKey, "api-key", "", "Provider API key, <key>-<datacenter>. Defaults to $"+listapi.EnvAPIKey)
	cmd.Flags().StringVar(&o.listID, "list-id", "", "Target list ID. Defaults to $"+listapi.EnvListID)
	cmd.Flags().StringVar(&o.endpoint, "endpoint-template", "", "Override the API endpoint template; {dc} is replaced by the key's datacenter")
	_ = cmd.Flags().MarkHidden("endpoint-template")
	cmd.Flags().StringVar(&o.email, "email", "", "Subscriber email address")
	cmd.Flags().StringVarP(&o.output, "output", "o", "text", "Output format (text, json)")
	_ = cmd.MarkFlagRequired("email")

	for _, f := range settingFlags {
		o.settings[f.name] = new(bool)
		cmd.Flags().BoolVar(o.settings[f.name], f.name, false, f.usage)
	}

	fs := flag.NewFlagSet("zap", flag.ContinueOnError)
	o.zapOpts.BindFlags(fs)
	cmd.Flags().AddGoFlagSet(fs)
}

// newClient resolves the configuration from the environment and the flags
// set on cmd. Settings flags only override when explicitly given.
func (o *options) newClient(cmd *cobra.Command) (*listapi.Client, error) {
	cfg := listapi.NewConfigFromEnv()
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.listID != "" {
		cfg.ListID = o.listID
	}

	var flagOverrides listapi.Overrides
	for _, f := range settingFlags {
		if cmd.Flags().Changed(f.name) {
			*f.field(&flagOverrides) = ptr.To(*o.settings[f.name])
		}
	}
	cfg.Overrides = cfg.Overrides.Merge(flagOverrides)

	logger := zap.New(zap.UseFlagOptions(&o.zapOpts))
	logf.SetLogger(logger)

	opts := []listapi.ClientOption{listapi.WithLogger(logger.WithName("listapi"))}
	if o.endpoint != "" {
		opts = append(opts, listapi.WithEndpointTemplate(o.endpoint))
	}

	return cfg.NewClient(opts...)
}

type operation func(ctx context.Context, c *listapi.Client, o *options) (*listapi.Result, error)

func newCommand(use, short string, op operation, extra func(*cobra.Command, *options)) *cobra.Command {
	o := newOptions()

	cmd := &cobra.Command{
		Use:          use,
		Short:        short,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := o.newClient(cmd)
			if err != nil {
				return err
			}

			res, err := op(cmd.Context(), c, o)
			if err != nil {
				return err
			}

			if err := printResult(cmd.OutOrStdout(), o.output, res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("%s failed: %s", use, res.Message)
			}
			return nil
		},
	}

	o.bindFlags(cmd)
	if extra != nil {
		extra(cmd, o)
	}

	return cmd
}

// NewSubscribeCommand creates the subscribe subcommand
func NewSubscribeCommand() *cobra.Command {
	var fields map[string]string

	return newCommand("subscribe", "Add or update a list subscriber",
		func(ctx context.Context, c *listapi.Client, o *options) (*listapi.Result, error) {
			return c.Subscribe(ctx, o.email, listapi.MergeFields(fields))
		},
		func(cmd *cobra.Command, _ *options) {
			cmd.Flags().StringToStringVar(&fields, "merge-field", nil, "Merge field as TAG=value, repeatable (e.g. FNAME=Jane)")
		},
	)
}

// NewMemberInfoCommand creates the member-info subcommand
func NewMemberInfoCommand() *cobra.Command {
	return newCommand("member-info", "Show the list data held for a subscriber",
		func(ctx context.Context, c *listapi.Client, o *options) (*listapi.Result, error) {
			return c.MemberInfo(ctx, o.email)
		},
		nil,
	)
}

// NewUnsubscribeCommand creates the unsubscribe subcommand
func NewUnsubscribeCommand() *cobra.Command {
	return newCommand("unsubscribe", "Remove a subscriber from the list",
		func(ctx context.Context, c *listapi.Client, o *options) (*listapi.Result, error) {
			return c.Unsubscribe(ctx, o.email)
		},
		nil,
	)
}

func printResult(w io.Writer, output string, res *listapi.Result) error {
	switch output {
	case "json":
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case "text":
		var b strings.Builder
		fmt.Fprintf(&b, "Success: %t\n", res.Success)
		if res.Message != "" {
			fmt.Fprintf(&b, "Message: %s\n", res.Message)
		}
		if res.Data != nil {
			fmt.Fprintf(&b, "Data:\n%s", formatData(res.Data, "  "))
		}
		_, err := io.WriteString(w, b.String())
		return err
	default:
		return fmt.Errorf("unsupported output format: %s", output)
	}
}

func formatData(v any, indent string) string {
	var b strings.Builder
	switch d := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(d))
		for k := range d {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			switch d[k].(type) {
			case map[string]any, []any:
				fmt.Fprintf(&b, "%s%s:\n%s", indent, k, formatData(d[k], indent+"  "))
			default:
				fmt.Fprintf(&b, "%s%s: %v\n", indent, k, d[k])
			}
		}
	case []any:
		for i, item := range d {
			fmt.Fprintf(&b, "%s- [%d]\n%s", indent, i, formatData(item, indent+"  "))
		}
	default:
		fmt.Fprintf(&b, "%s%v\n", indent, d)
	}
	return b.String()
}
