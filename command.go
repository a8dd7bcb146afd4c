package failurelambda

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awslambda "github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type CommandOption func(*cobra.Command) error

func WithOutput(w io.Writer) CommandOption {
	return func(cmd *cobra.Command) error {
		cmd.SetOutput(w)
		return nil
	}
}

func Main(args []string, opts ...CommandOption) error {
	var rootCmd = &cobra.Command{
		Use:   "failure-lambda",
		Short: "Validate, simulate, and exercise failure injection configurations.",
	}
	rootCmd.SetArgs(args)
	commands := []*cobra.Command{
		ValidateCommand(),
		SimulateCommand(),
		InvokeCommand(),
	}
	for _, opt := range opts {
		err := opt(rootCmd)
		if err != nil {
			return err
		}
	}
	rootCmd.AddCommand(commands...)
	if len(args) == 0 {
		rootCmd.Printf(rootCmd.UsageString())
		return fmt.Errorf("no command provided")
	}
	_, _, err := rootCmd.Find(args)
	if err != nil {
		rootCmd.Printf(rootCmd.UsageString())
		return err
	}
	rootCmd.SetHelpCommand(&cobra.Command{Use: "no-help", Run: func(cmd *cobra.Command, args []string) {}})
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	return rootCmd.Execute()
}

func ValidateCommand() *cobra.Command {
	var validateCmd = &cobra.Command{
		Use:          "validate configFile",
		Short:        "Validate a failure flag document.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Example:      `failure-lambda validate config.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			flags, flagErrs := ParseFlags(raw)
			for _, fe := range flagErrs {
				cmd.Printf("invalid: %s\n", fe.Error())
			}
			for _, mode := range FailureModeOrder {
				if flag, ok := flags[mode]; ok {
					state := "disabled"
					if flag.Enabled {
						state = "enabled"
					}
					cmd.Printf("%s: %s\n", mode, state)
				}
			}
			if len(flagErrs) > 0 {
				return fmt.Errorf("%d invalid field(s) in %s", len(flagErrs), args[0])
			}
			return nil
		},
	}
	return validateCmd
}

func SimulateCommand() *cobra.Command {
	var simulateCmd = &cobra.Command{
		Use:          "simulate configFile",
		Short:        "Run a flag document against a local echo handler and print the outcome.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Example:      `failure-lambda simulate config.json --event event.json --timeout 10s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			flags, flagErrs := ParseFlags(raw)
			for _, fe := range flagErrs {
				cmd.Printf("invalid: %s\n", fe.Error())
			}
			event := []byte("{}")
			if eventFile, _ := cmd.Flags().GetString("event"); eventFile != "" {
				event, err = os.ReadFile(eventFile)
				if err != nil {
					return err
				}
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return Simulate(flags, event, timeout, cmd.OutOrStdout())
		},
	}
	simulateCmd.Flags().String("event", "", "Event JSON file to simulate with.")
	simulateCmd.Flags().Duration("timeout", 30*time.Second, "Synthetic invocation deadline.")
	return simulateCmd
}

// Simulate runs one invocation of an echo handler through the wrapper with a
// fixed flag document and a synthetic deadline, writing the outcome to out.
func Simulate(flags FailureFlags, event []byte, timeout time.Duration, out io.Writer) error {
	echo := func(ctx context.Context, event json.RawMessage) (json.RawMessage, error) {
		return event, nil
	}
	wrapped := WrapFunc(echo,
		WithStaticFlags(flags),
		WithLogger(zap.Must(zap.NewProduction())),
	)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	response, err := wrapped.Invoke(ctx, event)
	if err != nil {
		fmt.Fprintf(out, "function error: %v\n", err)
		return nil
	}
	fmt.Fprintln(out, string(response))
	return nil
}

func InvokeCommand() *cobra.Command {
	var invokeCmd = &cobra.Command{
		Use:          "invoke functionName",
		Short:        "Invoke a deployed function and print its response.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		Example:      `failure-lambda invoke myFunction --payload '{"hello":"world"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte("{}")
			if inline, _ := cmd.Flags().GetString("payload"); inline != "" {
				payload = []byte(inline)
			} else if payloadFile, _ := cmd.Flags().GetString("payload-file"); payloadFile != "" {
				raw, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				payload = raw
			}
			cfg, err := awsconfig.LoadDefaultConfig(cmd.Context())
			if err != nil {
				return err
			}
			client := awslambda.NewFromConfig(cfg, func(o *awslambda.Options) {
				o.Retryer = customRetryer()
			})
			return InvokeFunction(cmd.Context(), client, args[0], payload, cmd.OutOrStdout())
		},
	}
	invokeCmd.Flags().String("payload", "", "Inline JSON event payload.")
	invokeCmd.Flags().String("payload-file", "", "File containing the JSON event payload.")
	return invokeCmd
}

// InvokeFunction invokes a deployed function and writes status, function
// error, and payload to out.
func InvokeFunction(ctx context.Context, client LambdaClient, name string, payload []byte, out io.Writer) error {
	resp, err := client.Invoke(ctx, &awslambda.InvokeInput{
		FunctionName: aws.String(name),
		Payload:      payload,
	})
	if err != nil {
		return fmt.Errorf("invoking %s: %w", name, err)
	}
	fmt.Fprintf(out, "status: %d\n", resp.StatusCode)
	if resp.FunctionError != nil {
		fmt.Fprintf(out, "function error: %s\n", *resp.FunctionError)
	}
	if len(resp.Payload) > 0 {
		fmt.Fprintln(out, string(resp.Payload))
	}
	return nil
}
