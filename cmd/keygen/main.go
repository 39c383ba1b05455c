// Command keygen manages the local devwallet identity used to sign capture
// sessions and manifests. Grounded on the teacher's cmd/keygen/main.go
// (command structure, passphrase prompt/confirm flow, fingerprint display),
// retargeted from Ed25519 identity keys onto internal/devwallet.Wallet.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/witnessvault/core/internal/devwallet"
)

var (
	keystorePath string
	noPassphrase bool
	force        bool
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "generate":
		generateCmd(args)
	case "show":
		showCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("keygen - WitnessVault Wallet Management Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  keygen generate [flags]  - Generate a new devwallet identity")
	fmt.Println("  keygen show [flags]      - Display wallet address and fingerprint")
	fmt.Println()
	fmt.Println("Run 'keygen <command> -h' for command-specific help")
}

func generateCmd(args []string) {
	fs := flag.NewFlagSet("generate", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", devwallet.DefaultKeystorePath(), "Wallet keystore path")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "Store the wallet without encryption")
	fs.BoolVar(&force, "force", false, "Overwrite an existing keystore")
	fs.Parse(args)

	if !force {
		if _, err := os.Stat(keystorePath); !os.IsNotExist(err) {
			fmt.Println("A wallet keystore already exists at that path.")
			fmt.Print("Overwrite it? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
		if _, err := os.Stat(keystorePath + ".insecure"); !os.IsNotExist(err) {
			fmt.Println("An unencrypted wallet keystore already exists at that path.")
			fmt.Print("Overwrite it? [y/N]: ")
			var response string
			fmt.Scanln(&response)
			if response != "y" && response != "Y" {
				fmt.Println("Aborted.")
				return
			}
		}
	}

	fmt.Println("Generating new devwallet identity...")
	fmt.Println()

	wallet, err := devwallet.Generate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to generate wallet: %v\n", err)
		os.Exit(1)
	}

	passphrase := ""
	if !noPassphrase {
		fmt.Print("Enter passphrase (leave empty for no encryption): ")
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		passphrase = string(passphraseBytes)

		if passphrase != "" {
			fmt.Print("Confirm passphrase: ")
			confirmBytes, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
				os.Exit(1)
			}
			if passphrase != string(confirmBytes) {
				fmt.Fprintln(os.Stderr, "Passphrases do not match.")
				os.Exit(1)
			}
		}
	}

	if err := wallet.Save(keystorePath, passphrase); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save wallet: %v\n", err)
		os.Exit(1)
	}

	addr := wallet.Address()
	fmt.Println("Wallet identity generated successfully!")
	fmt.Println()
	fmt.Printf("Address:     %x\n", addr)
	fmt.Printf("Fingerprint: %s\n", wallet.Fingerprint())
	fmt.Println()
	fmt.Printf("Keystore stored at: %s\n", keystorePath)

	if passphrase == "" {
		fmt.Println()
		fmt.Println("WARNING: Wallet stored WITHOUT encryption (insecure)")
	}
}

func showCmd(args []string) {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	fs.StringVar(&keystorePath, "keystore", devwallet.DefaultKeystorePath(), "Wallet keystore path")
	fs.BoolVar(&noPassphrase, "no-passphrase", false, "Load an unencrypted keystore")
	fs.Parse(args)

	passphrase := ""
	if !noPassphrase {
		fmt.Print("Enter passphrase (leave empty if unencrypted): ")
		passphraseBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read passphrase: %v\n", err)
			os.Exit(1)
		}
		passphrase = string(passphraseBytes)
	}

	wallet, err := devwallet.Load(keystorePath, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load wallet: %v\n", err)
		fmt.Fprintln(os.Stderr, "Run 'keygen generate' first to create a wallet")
		os.Exit(1)
	}

	addr := wallet.Address()
	fmt.Println("Wallet Identity:")
	fmt.Printf("  Address:     %x\n", addr)
	fmt.Printf("  Fingerprint: %s\n", wallet.Fingerprint())
}
