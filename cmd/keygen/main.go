// Command keygen creates or inspects marketplace identities. With no
// arguments it generates a fresh keypair; with -key it re-derives the public
// forms of an existing nsec or hex private key.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/imattau/fed-AI-sub000/internal/identity"
)

func main() {
	keyFlag := flag.String("key", "", "existing private key (nsec or hex) to inspect")
	flag.Parse()

	var (
		kp  *identity.KeyPair
		err error
	)
	if *keyFlag != "" {
		kp, err = identity.ParsePrivateKey(*keyFlag)
	} else {
		kp, err = identity.Generate()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}

	nsec, err := kp.Nsec()
	if err != nil {
		fmt.Fprintln(os.Stderr, "keygen:", err)
		os.Exit(1)
	}
	fmt.Println("npub: ", kp.Npub())
	fmt.Println("nsec: ", nsec)
	fmt.Println("hex:  ", kp.PrivateHex())
}
