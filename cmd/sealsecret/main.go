// Command sealsecret prints "enc:" values for the gateway config.
//
//	sealsecret -generate             print a new CREDENTIALS_KEY
//	sealsecret <plaintext>           seal with CREDENTIALS_KEY from the env or .env
//	echo -n secret | sealsecret      seal stdin
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"tradegate/internal/config"
	"tradegate/internal/security/secretbox"
)

func main() {
	generate := flag.Bool("generate", false, "print a new random CREDENTIALS_KEY and exit")
	open := flag.Bool("open", false, "decrypt the argument instead of sealing it")
	flag.Parse()

	if *generate {
		key, err := secretbox.GenerateKey()
		if err != nil {
			log.Fatalf("generate key: %v", err)
		}
		fmt.Println(key)
		return
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Printf("failed to load .env: %v", err)
	}
	box, err := secretbox.New(os.Getenv("CREDENTIALS_KEY"))
	if err != nil {
		log.Fatal(err)
	}

	value, err := input(flag.Args())
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	if value == "" {
		log.Fatal("nothing to seal")
	}

	var out string
	if *open {
		out, err = box.Open(value)
	} else {
		out, err = box.Seal(value)
	}
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(out)
}

func input(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	raw, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(raw), "\r\n"), nil
}
