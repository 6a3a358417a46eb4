// Copyright 2014 ISRG.  All rights reserved
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/cloudacme/aceme/ca"
	"github.com/cloudacme/aceme/config"
	"github.com/cloudacme/aceme/directory"
	"github.com/cloudacme/aceme/engine"
	"github.com/cloudacme/aceme/goodkey"
	"github.com/cloudacme/aceme/jws"
	"github.com/cloudacme/aceme/metrics"
	"github.com/cloudacme/aceme/nonce"
	"github.com/cloudacme/aceme/policy"
	"github.com/cloudacme/aceme/store"
	"github.com/cloudacme/aceme/transport"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

// failOnError logs and exits if err is non-nil.
func failOnError(log *logrus.Entry, err error, msg string) {
	if err != nil {
		log.WithError(err).Fatal(msg)
	}
}

// loadCAKeyPair reads a PEM certificate and a PEM private key from disk and
// returns them ready for ca.New.
func loadCAKeyPair(certPath, keyPath string) (*x509.Certificate, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA certificate: %w", err)
	}
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("CA certificate file %q did not contain a PEM block", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("reading CA key: %w", err)
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("CA key file %q did not contain a PEM block", keyPath)
	}

	signer, err := parseSigner(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing CA key: %w", err)
	}
	return cert, signer, nil
}

func parseSigner(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("unrecognized private key encoding: %w", err)
	}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
}

func enabledChallenges(c config.Challenges) map[string]bool {
	enabled := make(map[string]bool)
	if c.HTTPChallenge {
		enabled["http-01"] = true
	}
	if c.DNSChallenge {
		enabled["dns-01"] = true
	}
	if c.TLSSNIChallenge {
		enabled["tls-sni-01"] = true
	}
	if c.AutoChallenge {
		enabled["auto"] = true
	}
	return enabled
}

func main() {
	configPath := flag.String("config", "", "Path to this core's YAML configuration file")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	if *configPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	failOnError(log, err, "loading configuration")

	log.Infof("acme-server %s starting, listening on %s", version, cfg.ListenAddress)

	stats := metrics.NewPromScope(prometheus.DefaultRegisterer)

	scheme := directory.NewScheme(cfg.Host, cfg.Port, cfg.BasePath)
	objStore := store.New(scheme)
	nonces := nonce.New(stats)
	pa := policy.New(enabledChallenges(cfg.Challenges))

	caCert, caKey, err := loadCAKeyPair(cfg.CACert, cfg.CAKey)
	failOnError(log, err, "loading CA key pair")
	certAuth, err := ca.New(caCert, caKey, cfg.MaxValidity(), clock.New(), stats, log)
	failOnError(log, err, "constructing certificate authority")

	eng := engine.New(objStore, scheme, pa, certAuth, clock.New(), engine.Config{
		AuthzExpiry:          cfg.AuthzExpiry(),
		MaxValidity:          cfg.MaxValidity(),
		MaxNames:             cfg.MaxNames,
		ScopedAuthorizations: cfg.ScopedAuthorizations,
		Terms:                cfg.Terms,
		KeyPolicy:            goodkey.DefaultKeyPolicy(),
		AllowedExtensions:    cfg.AllowedExtensions,
	}, stats, log)

	dialect := jws.IETFDraft
	if cfg.IsLegacy() {
		dialect = jws.Legacy
	}

	wfe := transport.New(eng, objStore, scheme, nonces, dialect, goodkey.DefaultKeyPolicy(), cfg.Terms, cfg.AllowOrigins, stats, log)
	transport.ModuleVersion = version

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: wfe.Handler(),
	}

	if cfg.DebugAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.WithError(http.ListenAndServe(cfg.DebugAddr, mux)).Warn("debug server exited")
		}()
	}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			failOnError(log, err, "running HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	sig := <-sigChan
	log.Infof("caught %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("exiting")
}
