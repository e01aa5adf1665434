// Copyright (c) 2025-2026 The glyphwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package prompt provides the interactive stdin prompts the daemon
// walks through while creating or restoring a wallet.
package prompt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vulpemventures/go-bip39"
	"golang.org/x/term"
)

// promptList prompts the user with the given prefix, list of valid
// responses, and default entry to use. The function will repeat the
// prompt to the user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string,
	defaultEntry string) (string, error) {

	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for the given prefix and repeats
// until a yes/no answer is given.
func promptListBool(reader *bufio.Reader, prefix string,
	defaultEntry string) (bool, error) {

	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// readPass reads one passphrase entry, hiding the input when stdin is
// a terminal and falling back to a plain line read otherwise so piped
// setups still work.
func readPass(reader *bufio.Reader) ([]byte, error) {
	var pass []byte
	var err error
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		pass, err = term.ReadPassword(fd)
	} else {
		pass, err = reader.ReadBytes('\n')
	}
	if err != nil && err != io.EOF {
		return nil, err
	}
	fmt.Print("\n")

	pass = bytes.TrimSpace(pass)
	if len(pass) == 0 && err == io.EOF {
		return nil, io.EOF
	}
	return pass, nil
}

// PassPrompt prompts the user for a passphrase with the given prefix.
// The function will ask the user to confirm the passphrase and will
// repeat the prompts until they enter a matching response.
func PassPrompt(reader *bufio.Reader, prefix string, confirm bool) ([]byte, error) {
	for {
		fmt.Printf("%s: ", prefix)
		pass, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		if len(pass) == 0 {
			continue
		}
		if !confirm {
			return pass, nil
		}

		fmt.Print("Confirm passphrase: ")
		repeat, err := readPass(reader)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(pass, repeat) {
			fmt.Println("The entered passphrases do not match")
			continue
		}

		return pass, nil
	}
}

// PrivatePass prompts the user for the private passphrase that seals
// the vault. All key material is encrypted under it, so creation asks
// twice before accepting.
func PrivatePass(reader *bufio.Reader, confirm bool) ([]byte, error) {
	return PassPrompt(reader, "Enter the private passphrase for your new wallet",
		confirm)
}

// HasExistingPhrase asks whether the user wants the new wallet built
// from a recovery phrase they already hold instead of a freshly
// generated one.
func HasExistingPhrase(reader *bufio.Reader) (bool, error) {
	return promptListBool(reader, "Do you have an existing wallet "+
		"recovery phrase you want to use?", "no")
}

// Mnemonic prompts the user for an existing BIP39 recovery phrase. The
// entry is normalized to lowercase words and checked against the
// wordlist and checksum before it is accepted.
func Mnemonic(reader *bufio.Reader) ([]string, error) {
	for {
		fmt.Print("Enter your wallet recovery phrase: ")
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}

		words := strings.Fields(strings.ToLower(strings.TrimSpace(line)))
		if len(words) == 0 {
			if err == io.EOF {
				return nil, io.EOF
			}
			continue
		}

		if !bip39.IsMnemonicValid(strings.Join(words, " ")) {
			fmt.Println("The entered phrase is not a valid recovery phrase")
			if err == io.EOF {
				return nil, errors.New("invalid recovery phrase")
			}
			continue
		}

		return words, nil
	}
}

// ConfirmBackup displays a freshly generated recovery phrase and
// blocks until the user acknowledges having stored it. The phrase is
// the only way to recover the wallet's keys, so the acknowledgement is
// deliberately explicit.
func ConfirmBackup(reader *bufio.Reader, words []string) error {
	fmt.Println("Your wallet recovery phrase is:")
	fmt.Printf("\n%s\n\n", strings.Join(words, " "))
	fmt.Println("IMPORTANT: Keep the phrase in a safe place as you " +
		"will NOT be able to restore your wallet without it.")
	fmt.Println("Please keep in mind that anyone who has access to " +
		"the phrase can also restore your wallet thereby giving " +
		"them access to all your funds, so it is imperative that " +
		"you keep it in a secure location.")

	for {
		fmt.Print(`Once you have stored the phrase in a safe and ` +
			`secure location, enter "OK" to continue: `)
		confirm, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if strings.TrimSpace(confirm) == "OK" {
			return nil
		}
	}
}
