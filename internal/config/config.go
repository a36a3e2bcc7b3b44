/*
 * MIT License
 *
 * Copyright (c) 2019 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package config is the input contract of §3: an immutable structure
// describing listen address, worker topology, TLS materials, the stats
// shared secret and allow-list, and the authorization service endpoint.
package config

import (
	"fmt"

	libval "github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/virtualcable/udstunnel/internal/errs"
)

// PASSWORD_LENGTH is pinned per spec §9's open question: 32 bytes, matching
// the shared-secret sizing already used by the adjacent crypto helper.
const PasswordLength = 32

type TLS struct {
	CertFile   string `mapstructure:"certFile" yaml:"certFile" validate:"required"`
	KeyFile    string `mapstructure:"keyFile" yaml:"keyFile" validate:"required"`
	Passphrase string `mapstructure:"passphrase" yaml:"passphrase"`
	DHParams   string `mapstructure:"dhParams" yaml:"dhParams"`
	CipherList string `mapstructure:"cipherList" yaml:"cipherList"`
	VersionMin string `mapstructure:"versionMin" yaml:"versionMin" validate:"omitempty,oneof=1.2 1.3"`
	VersionMax string `mapstructure:"versionMax" yaml:"versionMax" validate:"omitempty,oneof=1.2 1.3"`
}

type Authorization struct {
	BaseURL   string   `mapstructure:"baseUrl" yaml:"baseUrl" validate:"required,url"`
	Token     string   `mapstructure:"token" yaml:"token" validate:"required"`
	Timeout   Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
	TLSVerify bool     `mapstructure:"tlsVerify" yaml:"tlsVerify"`
}

type Logging struct {
	File      string `mapstructure:"file" yaml:"file"`
	MaxSizeMB int64  `mapstructure:"maxSizeMb" yaml:"maxSizeMb"`
	Backups   int    `mapstructure:"backups" yaml:"backups"`
	Level     string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
}

// Metrics optionally exposes the stats Registry's four counters as
// Prometheus gauges on a private HTTP listener (§11's DOMAIN STACK
// wiring), additive to the wire INFO/STAT line — never a replacement.
type Metrics struct {
	ListenAddress string `mapstructure:"listenAddress" yaml:"listenAddress"`
}

// Config is the full input contract of §3.
type Config struct {
	ListenAddress  string        `mapstructure:"listenAddress" yaml:"listenAddress" validate:"required"`
	ListenPort     int           `mapstructure:"listenPort" yaml:"listenPort" validate:"required,gt=0,lte=65535"`
	IPv6           bool          `mapstructure:"ipv6" yaml:"ipv6"`
	WorkerCount    int           `mapstructure:"workerCount" yaml:"workerCount" validate:"required,gt=0"`
	CommandTimeout int           `mapstructure:"commandTimeoutSeconds" yaml:"commandTimeoutSeconds" validate:"required,gt=0"`
	TLS            TLS           `mapstructure:"tls" yaml:"tls" validate:"required"`
	StatsSecret    string        `mapstructure:"statsSecret" yaml:"statsSecret" validate:"required"`
	StatsAllow     []string      `mapstructure:"statsAllow" yaml:"statsAllow"`
	Authorization  Authorization `mapstructure:"authorization" yaml:"authorization" validate:"required"`
	Logging        Logging       `mapstructure:"logging" yaml:"logging"`
	Metrics        Metrics       `mapstructure:"metrics" yaml:"metrics"`
	PIDFile        string        `mapstructure:"pidFile" yaml:"pidFile"`
	User           string        `mapstructure:"user" yaml:"user"`
}

// Default mirrors the teacher's certificates.Default builder-seed idiom:
// sane, non-production values a caller may merge into via viper.
var Default = Config{
	ListenAddress:  "0.0.0.0",
	ListenPort:     443,
	WorkerCount:    4,
	CommandTimeout: 5,
	Authorization: Authorization{
		Timeout: Seconds(5),
	},
	Logging: Logging{
		MaxSizeMB: 10,
		Backups:   5,
		Level:     "info",
	},
}

// Load decodes path (YAML) via viper into a Config seeded from Default,
// matching the teacher's viper+mapstructure decode pipeline.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	c := Default

	if err := v.ReadInConfig(); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	// Duration decodes "5s"/"2m"-style strings via UnmarshalText, matching
	// the teacher's viper+mapstructure decode pipeline.
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)
	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook)); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate runs go-playground/validator struct tags over the config,
// matching certificates.Config.Validate()'s error-collection idiom.
func (c *Config) Validate() error {
	if er := libval.New().Struct(c); er != nil {
		if _, ok := er.(*libval.InvalidValidationError); ok {
			return errs.New(errs.ConfigInvalid, er)
		}

		var ve libval.ValidationErrors
		if asValidationErrors(er, &ve) {
			return errs.New(errs.ConfigInvalid, fmt.Errorf("config field '%s' fails constraint '%s'", ve[0].StructNamespace(), ve[0].ActualTag()))
		}
		return errs.New(errs.ConfigInvalid, er)
	}
	return nil
}

func asValidationErrors(err error, out *libval.ValidationErrors) bool {
	if v, ok := err.(libval.ValidationErrors); ok {
		*out = v
		return true
	}
	return false
}
