// merkletool is the off-system side of the distribution flow: it builds the
// eligibility tree from a recipient list, prints the root and per-recipient
// proofs, and signs delegated-withdrawal digests. The service only ever sees
// the root, proofs and signatures this tool produces.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"

	"merkledrop/internal/merkle"
	"merkledrop/internal/sigauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func main() {
	listPath := flag.String("list", "", "recipient list file, one 'address,amount' per line")
	proofFor := flag.String("proof-for", "", "print the proof for this recipient address")
	signKey := flag.String("sign-key", "", "private key hex; sign a delegated withdrawal instead of printing the tree")
	signTo := flag.String("to", "", "delegated withdrawal destination address")
	signAmount := flag.String("amount", "", "delegated withdrawal amount (decimal)")
	signCounter := flag.Uint64("counter", 0, "current replay counter of the instance")
	flag.Parse()

	if *signKey != "" {
		if err := runSign(*signKey, *signTo, *signAmount, *signCounter); err != nil {
			fmt.Fprintf(os.Stderr, "sign: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *listPath == "" {
		fmt.Fprintln(os.Stderr, "usage: merkletool -list recipients.csv [-proof-for 0x...]")
		fmt.Fprintln(os.Stderr, "       merkletool -sign-key <hex> -to 0x... -amount <dec> -counter <n>")
		os.Exit(1)
	}

	if err := runTree(*listPath, *proofFor); err != nil {
		fmt.Fprintf(os.Stderr, "merkletool: %v\n", err)
		os.Exit(1)
	}
}

type entitlement struct {
	addr   common.Address
	amount *big.Int
}

func runTree(listPath, proofFor string) error {
	entries, err := readRecipients(listPath)
	if err != nil {
		return fmt.Errorf("read recipients: %w", err)
	}
	if len(entries) == 0 {
		return fmt.Errorf("recipient list is empty")
	}

	leaves := make([]common.Hash, len(entries))
	byAddr := make(map[common.Address]entitlement, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.Leaf(e.addr, e.amount)
		byAddr[e.addr] = e
	}

	tree, err := merkle.NewTree(leaves)
	if err != nil {
		return err
	}

	fmt.Printf("root: %s\n", tree.Root().Hex())
	fmt.Printf("recipients: %d\n", len(entries))

	if proofFor == "" {
		return nil
	}

	if !common.IsHexAddress(proofFor) {
		return fmt.Errorf("invalid address %q", proofFor)
	}
	target, ok := byAddr[common.HexToAddress(proofFor)]
	if !ok {
		return fmt.Errorf("address %s not in list", proofFor)
	}

	proof, err := tree.Proof(merkle.Leaf(target.addr, target.amount))
	if err != nil {
		return err
	}

	fmt.Printf("amount: %s\n", target.amount)
	fmt.Print("proof: [")
	for i, h := range proof {
		if i > 0 {
			fmt.Print(",")
		}
		fmt.Printf("%q", h.Hex())
	}
	fmt.Println("]")
	return nil
}

func readRecipients(path string) ([]entitlement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	seen := make(map[common.Address]bool)
	var entries []entitlement
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ",", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: want 'address,amount'", lineNo)
		}
		rawAddr := strings.TrimSpace(parts[0])
		if !common.IsHexAddress(rawAddr) {
			return nil, fmt.Errorf("line %d: invalid address %q", lineNo, rawAddr)
		}
		addr := common.HexToAddress(rawAddr)
		if seen[addr] {
			return nil, fmt.Errorf("line %d: duplicate address %s", lineNo, addr.Hex())
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(parts[1]), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("line %d: invalid amount %q", lineNo, parts[1])
		}
		seen[addr] = true
		entries = append(entries, entitlement{addr: addr, amount: amount})
	}
	return entries, sc.Err()
}

func runSign(keyHex, to, amount string, counter uint64) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}
	if !common.IsHexAddress(to) {
		return fmt.Errorf("invalid destination address %q", to)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(amount), 10)
	if !ok || value.Sign() <= 0 {
		return fmt.Errorf("invalid amount %q", amount)
	}

	digest := sigauth.Digest(common.HexToAddress(to), value, counter)
	sig, err := sigauth.Sign(digest, key)
	if err != nil {
		return err
	}

	fmt.Printf("signer: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Printf("digest: %s\n", digest.Hex())
	fmt.Printf("signature: 0x%x\n", sig)
	return nil
}
