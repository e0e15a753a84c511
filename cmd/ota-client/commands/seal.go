package commands

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/toyotech/ota-client/internal/config"
	"github.com/toyotech/ota-client/pkg/cipher"
	"github.com/toyotech/ota-client/pkg/digest"
	"github.com/toyotech/ota-client/pkg/errors"
)

var sealCmd = &cobra.Command{
	Use:   "seal <plain-image> <out>",
	Short: "Encrypt a firmware image with the device key and print its hash",
	Args:  cobra.ExactArgs(2),
	RunE:  runSeal,
}

func init() {
	rootCmd.AddCommand(sealCmd)
}

func runSeal(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	key, iv, err := cfg.KeyMaterial()
	if err != nil {
		return err
	}

	plain, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read image")
	}
	ct, err := cipher.Seal(key, iv, plain)
	if err != nil {
		return errors.Wrap(err, "encryption failed")
	}
	if err := os.WriteFile(args[1], ct, 0644); err != nil {
		return errors.Wrap(err, "failed to write sealed image")
	}

	sum, n, err := verifiedDigest(plain, len(ct), cfg.HashFinalBlock)
	if err != nil {
		return err
	}

	fmt.Printf("ciphertext_len: %d\n", len(ct))
	fmt.Printf("verified_len:   %d\n", n)
	fmt.Printf("hash:           %s\n", hex.EncodeToString(sum[:]))
	return nil
}

// verifiedDigest hashes the plaintext bytes the device will verify for a
// ciphertext of ctLen bytes.
func verifiedDigest(plain []byte, ctLen int, hashFinalBlock bool) ([digest.Size]byte, int, error) {
	n := ctLen - cipher.BlockSize
	if hashFinalBlock {
		n = len(plain)
	}

	e := digest.New()
	if err := e.Update(plain[:n]); err != nil {
		return [digest.Size]byte{}, 0, err
	}
	sum, err := e.Finish()
	return sum, n, err
}
