package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/uhyunpark/shardbft/pkg/consensus"
	"github.com/uhyunpark/shardbft/pkg/crypto"
	"github.com/uhyunpark/shardbft/pkg/transaction"
)

const (
	keyFlag        = "key"
	seedFlag       = "seed"
	inputFlag      = "input"
	referenceFlag  = "reference"
	outputFlag     = "output"
	functionFlag   = "function"
	nonceFlag      = "nonce"
	maxOutputsFlag = "max-outputs"
	submitFlag     = "submit"
)

func main() {
	if err := command().Execute(); err != nil {
		os.Exit(1)
	}
}

func command() *cobra.Command {
	c := &cobra.Command{
		Use:   "sign-tx",
		Short: "Builds and signs a transaction, optionally submitting it to a node",
		RunE:  signFunc,
	}
	addFlags(c.Flags())
	return c
}

func addFlags(flags *pflag.FlagSet) {
	flags.String(keyFlag, "", "Hex secp256k1 private key of the sender")
	flags.String(seedFlag, "", "Derive the sender key from this seed instead (dev only)")
	flags.StringSlice(inputFlag, nil, "Shard ids to consume")
	flags.StringSlice(referenceFlag, nil, "Shard ids that must exist")
	flags.StringSlice(outputFlag, nil, "Shard ids to create")
	flags.String(functionFlag, "transfer", "Instruction function name")
	flags.Uint64(nonceFlag, 0, "Sender nonce")
	flags.Uint32(maxOutputsFlag, 0, "Output limit; defaults to the number of outputs")
	flags.String(submitFlag, "", "Node API base URL to POST the signed transaction to")
}

func senderKey(flags *pflag.FlagSet) (*crypto.SenderKey, error) {
	hexKey, _ := flags.GetString(keyFlag)
	seed, _ := flags.GetString(seedFlag)
	switch {
	case hexKey != "":
		return crypto.SenderKeyFromHex(hexKey)
	case seed != "":
		return crypto.SenderKeyFromSeed([]byte(seed))
	default:
		return crypto.GenerateSenderKey()
	}
}

func shardIds(flags *pflag.FlagSet, name string) ([]consensus.ShardId, error) {
	values, err := flags.GetStringSlice(name)
	if err != nil {
		return nil, err
	}
	out := make([]consensus.ShardId, 0, len(values))
	for _, v := range values {
		var s consensus.ShardId
		if err := s.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("--%s %q: %w", name, v, err)
		}
		out = append(out, s)
	}
	return out, nil
}

func signFunc(c *cobra.Command, _ []string) error {
	flags := c.Flags()
	key, err := senderKey(flags)
	if err != nil {
		return err
	}

	tx := transaction.Transaction{}
	if tx.Inputs, err = shardIds(flags, inputFlag); err != nil {
		return err
	}
	if tx.References, err = shardIds(flags, referenceFlag); err != nil {
		return err
	}
	outputs, err := shardIds(flags, outputFlag)
	if err != nil {
		return err
	}
	for _, s := range outputs {
		tx.Outputs = append(tx.Outputs, transaction.Output{Shard: s})
	}
	function, _ := flags.GetString(functionFlag)
	tx.Instructions = []transaction.Instruction{{Function: function}}
	tx.Nonce, _ = flags.GetUint64(nonceFlag)
	tx.MaxOutputs, _ = flags.GetUint32(maxOutputsFlag)
	if tx.MaxOutputs == 0 {
		tx.MaxOutputs = uint32(len(tx.Outputs))
	}

	if err := tx.Sign(key); err != nil {
		return err
	}
	if err := tx.Validate(); err != nil {
		return err
	}
	body, err := json.MarshalIndent(&tx, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "sender:  %s\n", key.Address().Hex())
	fmt.Fprintf(os.Stderr, "payload: %s\n", transaction.NewPayload(tx).Id())
	fmt.Println(string(body))

	url, _ := flags.GetString(submitFlag)
	if url == "" {
		return nil
	}
	resp, err := http.Post(url+"/transactions", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("submit: %s: %s", resp.Status, bytes.TrimSpace(reply))
	}
	fmt.Fprintf(os.Stderr, "submitted: %s\n", bytes.TrimSpace(reply))
	return nil
}
