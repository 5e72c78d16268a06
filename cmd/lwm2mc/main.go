// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/edgeclient/lwm2mcore"
	piondtls "github.com/pion/dtls/v2"
	"github.com/sirupsen/logrus"
)

var (
	flagEndpoint  string
	flagLifetime  int
	flagBinding   string
	flagInsecure  bool
	flagVerbose   bool
	flagPSKIdent  string
	flagPSKKeyHex string
)

func init() {
	flag.StringVar(&flagEndpoint, "ep", "lwm2mc-demo", "LwM2M endpoint client name")
	flag.StringVar(&flagEndpoint, "e", "lwm2mc-demo", "LwM2M endpoint client name (shorthand of --ep)")
	flag.IntVar(&flagLifetime, "lt", 86400, "Registration lifetime, in seconds")
	flag.StringVar(&flagBinding, "b", "U", "LwM2M binding mode (U, UQ, ...)")
	flag.BoolVar(&flagInsecure, "insecure", false, "Skip DTLS certificate checks")
	flag.BoolVar(&flagInsecure, "k", false, "Skip DTLS certificate checks (shorthand of --insecure)")
	flag.BoolVar(&flagVerbose, "verbose", false, "Verbose mode")
	flag.BoolVar(&flagVerbose, "v", false, "Verbose mode (shorthand of --verbose)")
	flag.StringVar(&flagPSKIdent, "psk-identity", "", "DTLS PSK identity for coaps:// URLs; if empty, DTLS runs without a PSK")
	flag.StringVar(&flagPSKKeyHex, "psk-key", "", "DTLS PSK key, hex-encoded")
}

func buildTransport(targetURL string, keyLogWriter io.Writer) (lwm2mcore.Transport, string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid server URL %q: %w", targetURL, err)
	}
	if u.Scheme == "coaps" {
		cfg := &piondtls.Config{
			InsecureSkipVerify: flagInsecure,
			KeyLogWriter:       keyLogWriter,
		}
		if flagPSKIdent != "" {
			key, err := pskKeyBytes(flagPSKKeyHex)
			if err != nil {
				return nil, "", err
			}
			cfg = lwm2mcore.PSKConfig(flagPSKIdent, key)
			cfg.InsecureSkipVerify = flagInsecure
			cfg.KeyLogWriter = keyLogWriter
		}
		t, err := lwm2mcore.NewDTLSTransport(u.Host, cfg, 0)
		if err != nil {
			return nil, "", fmt.Errorf("dtls dial %s: %w", u.Host, err)
		}
		return t, u.Host, nil
	}
	t := lwm2mcore.NewUDPTransport(0)
	if res := t.Connect(u.Host); res != lwm2mcore.TransportOK {
		return nil, "", fmt.Errorf("udp dial %s failed", u.Host)
	}
	return t, u.Host, nil
}

func pskKeyBytes(hexKey string) ([]byte, error) {
	if hexKey == "" {
		return nil, fmt.Errorf("--psk-identity given without --psk-key")
	}
	buf := make([]byte, len(hexKey)/2)
	if _, err := fmt.Sscanf(hexKey, "%x", &buf); err != nil {
		return nil, fmt.Errorf("invalid --psk-key hex: %w", err)
	}
	return buf, nil
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of lwm2mc:\n")
		flag.PrintDefaults()
		fmt.Println("Example:         ./lwm2mc coap://localhost:5683")
		fmt.Println("Example (DTLS):  ./lwm2mc -psk-identity client1 -psk-key 000102030405060708090a0b0c0d0e0f coaps://localhost:5684")
		fmt.Println("Also supports the environment variable SSLKEYLOGFILE= to write session secrets for decrypting DTLS traffic in Wireshark")
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	targetURL := flag.Arg(0)

	var keyLogWriter io.Writer
	if keylogfile := os.Getenv("SSLKEYLOGFILE"); keylogfile != "" {
		f, err := os.OpenFile(keylogfile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0600)
		if err != nil {
			panic(err)
		}
		keyLogWriter = f
	}

	transport, host, err := buildTransport(targetURL, keyLogWriter)
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}

	logger := logrus.StandardLogger()
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	core, err := lwm2mcore.NewCore(lwm2mcore.Config{
		Account: lwm2mcore.ServerAccount{
			ServerURI:    targetURL,
			EndpointName: flagEndpoint,
			Lifetime:     flagLifetime,
			Binding:      flagBinding,
		},
		Transport: transport,
		Logger:    lwm2mcore.NewLogrusLogger(logger),
	})
	if err != nil {
		log.Fatalf("FATAL: %s", err)
	}
	registerDemoDeviceObject(core.Registry())

	logger.Infof("connected to %s, registering endpoint %q", host, flagEndpoint)
	for {
		if err := core.Step(); err != nil {
			log.Fatalf("FATAL: core step: %s", err)
		}
		if core.Session().State() == lwm2mcore.StateFailure {
			log.Fatalf("FATAL: registration failed: %s", core.Session().Err())
		}
		sleepUntil(core.NextStepTime())
	}
}

func sleepUntil(t time.Time) {
	d := time.Until(t)
	if d <= 0 {
		return
	}
	if d > time.Second {
		d = time.Second
	}
	time.Sleep(d)
}

// registerDemoDeviceObject registers a minimal Device object (OID 3) so
// the client has something to report during Register/Update - manufacturer
// (0), model number (1), and a resettable error code list (11).
func registerDemoDeviceObject(reg *lwm2mcore.Registry) {
	obj := lwm2mcore.NewObject(3, "1.1", []lwm2mcore.ResourceDef{
		{RID: 0, Kind: lwm2mcore.KindR, Type: lwm2mcore.TypeString},
		{RID: 1, Kind: lwm2mcore.KindR, Type: lwm2mcore.TypeString},
		{RID: 11, Kind: lwm2mcore.KindRM, Type: lwm2mcore.TypeInt},
	}, 1, lwm2mcore.HandlerSet{})
	if err := reg.Register(obj); err != nil {
		log.Fatalf("FATAL: registering device object: %s", err)
	}
	inst, err := obj.AddInstance(0)
	if err != nil {
		log.Fatalf("FATAL: creating device instance: %s", err)
	}
	res, _ := inst.Resource(0)
	res.Set(0, lwm2mcore.StringValue("edgeclient"))
	res, _ = inst.Resource(1)
	res.Set(0, lwm2mcore.StringValue("lwm2mc-demo"))
}
