package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/predicta/internal/crypto"
)

func keygenCmd() *cobra.Command {
	var (
		out      string
		password string
		imported bool
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Write an encrypted wallet key file",
		Long: "Generates a new wallet key, or with --import encrypts the key in\n" +
			"PREDICTA_WALLET_PRIVATE_KEY, and writes it to --out for wallet.encrypted_key_path.\n" +
			"The password defaults to PREDICTA_WALLET_KEY_PASSWORD.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("PREDICTA_WALLET_KEY_PASSWORD")
			}
			if password == "" {
				return errors.New("a password is required (--password or PREDICTA_WALLET_KEY_PASSWORD)")
			}

			var keyHex string
			if imported {
				keyHex = os.Getenv("PREDICTA_WALLET_PRIVATE_KEY")
				if keyHex == "" {
					return errors.New("--import needs PREDICTA_WALLET_PRIVATE_KEY")
				}
			} else {
				pk, err := gethcrypto.GenerateKey()
				if err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
				keyHex = hexutil.Encode(gethcrypto.FromECDSA(pk))
			}

			addr, err := writeKeyFile(out, keyHex, password, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "address:  %s\nkey file: %s\n", addr, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "wallet.key.json", "key file to write")
	cmd.Flags().StringVar(&password, "password", "", "encryption password")
	cmd.Flags().BoolVar(&imported, "import", false, "encrypt PREDICTA_WALLET_PRIVATE_KEY instead of generating")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	return cmd
}

// writeKeyFile encrypts keyHex, writes it to path and checks the file
// decrypts back to the same address.
func writeKeyFile(path, keyHex, password string, force bool) (string, error) {
	signer, err := crypto.NewSigner(keyHex)
	if err != nil {
		return "", err
	}
	data, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return "", err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("write key file: %w", err)
	}

	check, err := crypto.LoadSigner(crypto.KeyConfig{KeyFile: path, KeyPassword: password})
	if err != nil {
		return "", fmt.Errorf("verify key file: %w", err)
	}
	if check.Address() != signer.Address() {
		return "", errors.New("verify key file: address mismatch")
	}
	return signer.Address().Hex(), nil
}
