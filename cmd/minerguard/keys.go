package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"

	"github.com/cuemby/minerguard/pkg/config"
	"github.com/cuemby/minerguard/pkg/edge"
	"github.com/cuemby/minerguard/pkg/security"
	"github.com/spf13/cobra"
)

const (
	passphraseEnv  = config.EnvPrefix + "KEY_PASSPHRASE"
	deviceTokenEnv = config.EnvPrefix + "DEVICE_TOKEN"
)

// Edge collector key commands
var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the first X25519 key pair of an edge collector",
	Long: `Generate a device key pair in the local keystore.

The private key is encrypted with a key derived from the passphrase in
$MINERGUARD_KEY_PASSPHRASE and never leaves this machine. The public key
is printed for device registration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeystore(cmd, func(ks *security.Keystore, name string) error {
			passphrase, err := keyPassphrase()
			if err != nil {
				return err
			}
			info, err := ks.Generate(name, passphrase)
			if err != nil {
				return err
			}
			printPublicKey(info)
			return nil
		})
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate an edge collector key pair",
	Long: `Create the next key version. Older versions stay loadable so that
credentials sealed to them can still be opened. With --device-id the new
public key is also published for that registered device.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeystore(cmd, func(ks *security.Keystore, name string) error {
			passphrase, err := keyPassphrase()
			if err != nil {
				return err
			}
			info, err := ks.Rotate(name, passphrase)
			if err != nil {
				return err
			}
			printPublicKey(info)

			deviceID, _ := cmd.Flags().GetString("device-id")
			if deviceID == "" {
				return nil
			}
			token, err := deviceToken(cmd)
			if err != nil {
				return err
			}
			mgr, _, err := openManager(cmd)
			if err != nil {
				return err
			}
			defer mgr.Shutdown()
			dev, err := mgr.Devices().RotateKey(deviceID, token, info.PublicKey, info.Version)
			if err != nil {
				return fmt.Errorf("key rotated locally but not registered: %w", err)
			}
			fmt.Printf("✓ Device %s now at key version %d\n", dev.ID, dev.KeyVersion)
			return nil
		})
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print a stored public key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKeystore(cmd, func(ks *security.Keystore, name string) error {
			version, _ := cmd.Flags().GetInt("version")
			if version == 0 {
				latest, err := ks.LatestVersion(name)
				if err != nil {
					return err
				}
				version = latest
			}
			info, err := ks.PublicKey(name, version)
			if err != nil {
				return err
			}
			printPublicKey(info)
			return nil
		})
	},
}

var sealCmd = &cobra.Command{
	Use:   "seal",
	Short: "Seal a credential to a device public key",
	Long: `Seal a credential for a device E2EE site, the way a browser client does.

The credential is read from --file, or from stdin when --file is "-".
The printed envelope is what "miner onboard" and credential updates accept
for mode 3 sites. --counter must exceed the miner's last accepted counter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		encodedKey, _ := cmd.Flags().GetString("public-key")
		keyVersion, _ := cmd.Flags().GetInt("key-version")
		counter, _ := cmd.Flags().GetUint64("counter")
		file, _ := cmd.Flags().GetString("file")

		publicKey, err := base64.StdEncoding.DecodeString(encodedKey)
		if err != nil {
			return fmt.Errorf("invalid public key: %w", err)
		}
		plaintext, err := readInput(file)
		if err != nil {
			return err
		}
		defer security.Zero(plaintext)

		envelope, err := security.SealCredential(publicKey, keyVersion, plaintext, counter, nil)
		if err != nil {
			return err
		}
		fmt.Println(envelope)
		return nil
	},
}

var unsealCmd = &cobra.Command{
	Use:   "unseal MINER_ID",
	Short: "Retrieve and open a sealed credential as an edge collector",
	Long: `Run the edge unseal flow against the local data directory: fetch the
miner's envelope over the device channel, open it with the device key, and
report the counter back. The plaintext is printed only after the counter
is accepted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device-id")
		token, err := deviceToken(cmd)
		if err != nil {
			return err
		}

		mgr, cfg, err := openManager(cmd)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		ks, err := security.NewKeystore(cfg.Keystore.Dir, cfg.Keystore.KDFIterations)
		if err != nil {
			return err
		}
		passphrase, err := keyPassphrase()
		if err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		collector := edge.NewCollector(edge.Config{DeviceID: deviceID, Token: token, KeyName: name}, ks)
		if err := collector.Unlock(passphrase); err != nil {
			return err
		}
		defer collector.Close()

		unsealed, err := collector.Retrieve(mgr, args[0])
		if err != nil {
			return err
		}
		defer security.Zero(unsealed.Plaintext)

		fmt.Fprintf(os.Stderr, "✓ Counter %d accepted (key version %d)\n", unsealed.Counter, unsealed.KeyVersion)
		_, err = os.Stdout.Write(append(unsealed.Plaintext, '\n'))
		return err
	},
}

func init() {
	for _, cmd := range []*cobra.Command{keygenCmd, rotateCmd, pubkeyCmd, unsealCmd} {
		cmd.Flags().String("name", "collector", "Key name in the keystore")
	}
	pubkeyCmd.Flags().Int("version", 0, "Key version (default latest)")

	sealCmd.Flags().String("public-key", "", "Device public key, base64 (required)")
	sealCmd.Flags().Int("key-version", 1, "Key version of the public key")
	sealCmd.Flags().Uint64("counter", 1, "Anti-rollback counter")
	sealCmd.Flags().StringP("file", "f", "-", "Credential file, or - for stdin")
	_ = sealCmd.MarkFlagRequired("public-key")

	unsealCmd.Flags().String("device-id", "", "Registered device ID (required)")
	unsealCmd.Flags().String("device-token", "", "Device token (default $"+deviceTokenEnv+")")
	_ = unsealCmd.MarkFlagRequired("device-id")

	rotateCmd.Flags().String("device-id", "", "Publish the new public key for this registered device")
	rotateCmd.Flags().String("device-token", "", "Device token (default $"+deviceTokenEnv+")")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(pubkeyCmd)
	rootCmd.AddCommand(sealCmd)
	rootCmd.AddCommand(unsealCmd)
}

func withKeystore(cmd *cobra.Command, fn func(ks *security.Keystore, name string) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ks, err := security.NewKeystore(cfg.Keystore.Dir, cfg.Keystore.KDFIterations)
	if err != nil {
		return err
	}
	name, _ := cmd.Flags().GetString("name")
	return fn(ks, name)
}

func deviceToken(cmd *cobra.Command) (string, error) {
	token, _ := cmd.Flags().GetString("device-token")
	if token == "" {
		token = os.Getenv(deviceTokenEnv)
	}
	if token == "" {
		return "", fmt.Errorf("no device token: pass --device-token or set %s", deviceTokenEnv)
	}
	return token, nil
}

func keyPassphrase() (string, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return "", fmt.Errorf("keystore passphrase not set: export %s", passphraseEnv)
	}
	return passphrase, nil
}

func printPublicKey(info *security.PublicKeyInfo) {
	fmt.Printf("Key: %s\n", info.Name)
	fmt.Printf("  Version: %d\n", info.Version)
	fmt.Printf("  Created: %s\n", info.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Public Key: %s\n", base64.StdEncoding.EncodeToString(info.PublicKey))
}

func readInput(file string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" || file == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential: %w", err)
	}
	return trimNewline(data), nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
