// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command fleet-credentials issues X.509 credentials for the MQTT broker and its devices.
//
// Usage:
//
//	fleet-credentials ca [common name]
//	fleet-credentials server host...
//	fleet-credentials device deviceId
//
// server and device read the certificate authority from CA_CERT_FILE and CA_KEY_FILE.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/fleetstore/iot/credentials"
)

type service struct {
	CACertFile string        `env:"CA_CERT_FILE,default=ca.crt" description:"X.509 certificate of the device certificate authority"`
	CAKeyFile  string        `env:"CA_KEY_FILE,default=ca.key" description:"private key of the device certificate authority"`
	Validity   time.Duration `env:"VALIDITY,default=87600h" description:"validity of issued certificates"`
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: fleet-credentials ca [common name] | server host... | device deviceId")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	s := &service{}
	if err := envdecode.Decode(s); err != nil {
		panic(err)
	}

	var c *credentials.Credentials
	var err error
	switch args := os.Args[2:]; os.Args[1] {
	case "ca":
		commonName := "fleet device authority"
		if len(args) > 0 {
			commonName = args[0]
		}
		c, err = credentials.NewCertificateAuthority(commonName, s.Validity)
	case "server", "device":
		if len(args) == 0 {
			usage()
		}
		var issuer *credentials.Issuer
		issuer, err = credentials.NewIssuer(&credentials.Builder{CACertFile: s.CACertFile, CAKeyFile: s.CAKeyFile})
		if err != nil {
			break
		}
		if os.Args[1] == "server" {
			c, err = issuer.IssueServer(args, s.Validity)
		} else {
			c, err = issuer.Issue(args[0], s.Validity)
		}
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fleet-credentials:", err)
		os.Exit(1)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(c); err != nil {
		panic(err)
	}
}
