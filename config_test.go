// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/p2pd/p2pd/connmgr"
	"github.com/stretchr/testify/require"
)

// testConfigArgs returns the arguments pointing the config, data and log
// directories into a temporary directory, followed by extra.
func testConfigArgs(t *testing.T, configContent string, extra ...string) []string {
	t.Helper()

	dir := t.TempDir()
	configFile := filepath.Join(dir, defaultConfigFilename)
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0600))

	args := []string{
		"--configfile=" + configFile,
		"--datadir=" + filepath.Join(dir, "data"),
		"--logdir=" + filepath.Join(dir, "logs"),
	}
	return append(args, extra...)
}

// restoreNetParams resets the active network after a test selected another
// one.
func restoreNetParams(t *testing.T) {
	t.Cleanup(func() { activeNetParams = &mainNetParams })
}

// TestLoadConfigDefaults ensures an empty configuration yields the defaults
// of the main network.
func TestLoadConfigDefaults(t *testing.T) {
	restoreNetParams(t)

	cfg, remaining, err := loadConfig(testConfigArgs(t, ""))
	require.NoError(t, err)
	require.Empty(t, remaining)

	require.Equal(t, &mainNetParams, activeNetParams)
	require.Equal(t, "mainnet", filepath.Base(cfg.DataDir))
	require.Equal(t, "mainnet", filepath.Base(cfg.LogDir))
	require.Equal(t, []string{":8233"}, cfg.Listeners)
	require.Equal(t, connmgr.DefaultMaxInbound, cfg.MaxInbound)
	require.Equal(t, connmgr.DefaultMaxOutbound, cfg.MaxOutbound)
	require.Equal(t, defaultBanDuration, cfg.BanDuration)
	require.EqualValues(t, defaultBanThreshold, cfg.BanThreshold)
	require.False(t, cfg.DisableListen)
	require.False(t, cfg.DisableDNSSeed)
	require.Nil(t, cfg.upgrade)
}

// TestLoadConfigFile ensures options are read from the config file and the
// command line takes precedence.
func TestLoadConfigFile(t *testing.T) {
	restoreNetParams(t)

	content := "regtest=1\n" +
		"maxinbound=20\n" +
		"whitelist=10.0.0.0/8\n" +
		"whitelist=2001:db8::1\n" +
		"addpeer=127.0.0.1\n" +
		"addpeer=127.0.0.1:18344\n" +
		"banduration=2h\n"
	cfg, _, err := loadConfig(testConfigArgs(t, content, "--maxinbound=30",
		"--upgradeheight=500", "--upgradeversion=170014"))
	require.NoError(t, err)

	require.Equal(t, &regressionNetParams, activeNetParams)
	require.Equal(t, 30, cfg.MaxInbound)
	require.Equal(t, 2*time.Hour, cfg.BanDuration)
	require.Equal(t, []string{":18344"}, cfg.Listeners)
	require.Equal(t, []string{"127.0.0.1:18344"}, cfg.AddPeers)

	require.Len(t, cfg.whitelists, 2)
	require.Equal(t, "10.0.0.0/8", cfg.whitelists[0].String())
	require.Equal(t, "2001:db8::1/128", cfg.whitelists[1].String())

	require.Equal(t, &connmgr.Upgrade{Height: 500, Version: 170014},
		cfg.upgrade)
}

// TestLoadConfigConnect ensures --connect disables listening and seeding
// unless listeners are given.
func TestLoadConfigConnect(t *testing.T) {
	restoreNetParams(t)

	cfg, _, err := loadConfig(testConfigArgs(t, "", "--testnet",
		"--connect=1.2.3.4", "--connect=[2001:db8::5]:9000"))
	require.NoError(t, err)
	require.True(t, cfg.DisableListen)
	require.True(t, cfg.DisableDNSSeed)
	require.Equal(t, []string{"1.2.3.4:18233", "[2001:db8::5]:9000"},
		cfg.ConnectPeers)

	cfg, _, err = loadConfig(testConfigArgs(t, "", "--connect=1.2.3.4",
		"--listen=127.0.0.1"))
	require.NoError(t, err)
	require.False(t, cfg.DisableListen)
	require.Equal(t, []string{"127.0.0.1:8233"}, cfg.Listeners)

	cfg, _, err = loadConfig(testConfigArgs(t, "", "--proxy=127.0.0.1:9050"))
	require.NoError(t, err)
	require.True(t, cfg.DisableListen)
	require.False(t, cfg.DisableDNSSeed)
}

// TestLoadConfigErrors ensures invalid combinations are refused.
func TestLoadConfigErrors(t *testing.T) {
	restoreNetParams(t)

	tests := []struct {
		name string
		args []string
	}{
		{"both test networks", []string{"--testnet", "--regtest"}},
		{"short ban", []string{"--banduration=100ms"}},
		{"addpeer and connect", []string{"--addpeer=1.2.3.4", "--connect=5.6.7.8"}},
		{"bad whitelist", []string{"--whitelist=bogus"}},
		{"fallback without tls", []string{"--tlsfallback"}},
		{"upgrade height only", []string{"--upgradeheight=10"}},
		{"bad debug level", []string{"--debuglevel=loud"}},
		{"no processors", []string{"--processors=0"}},
		{"negative inbound", []string{"--maxinbound=-1"}},
		{"bad proxy", []string{"--proxy=localhost"}},
		{"unknown option", []string{"--bogus"}},
	}
	for _, test := range tests {
		_, _, err := loadConfig(testConfigArgs(t, "", test.args...))
		require.Error(t, err, test.name)
	}

	// A named config file must exist.
	missing := filepath.Join(t.TempDir(), "missing.conf")
	_, _, err := loadConfig([]string{"--configfile=" + missing,
		"--datadir=" + t.TempDir(), "--logdir=" + t.TempDir()})
	require.Error(t, err)
}

func TestNormalizeAddresses(t *testing.T) {
	got := normalizeAddresses([]string{
		"1.2.3.4",
		"1.2.3.4:8233",
		"[::1]:9000",
		"::1",
		"example.com",
	}, "8233")
	require.Equal(t, []string{
		"1.2.3.4:8233",
		"[::1]:9000",
		"[::1]:8233",
		"example.com:8233",
	}, got)
}

// TestSampleConfig ensures the sample config written on first start parses
// and leaves every option at its default.
func TestSampleConfig(t *testing.T) {
	restoreNetParams(t)

	path := filepath.Join(t.TempDir(), "home", defaultConfigFilename)
	require.NoError(t, createDefaultConfigFile(path))
	require.True(t, fileExists(path))

	sample, _, err := loadConfig(testConfigArgs(t, ""))
	require.NoError(t, err)

	args := testConfigArgs(t, "")
	args[0] = "--configfile=" + path
	cfg, _, err := loadConfig(args)
	require.NoError(t, err)
	require.Equal(t, sample.MaxInbound, cfg.MaxInbound)
	require.Equal(t, sample.Listeners, cfg.Listeners)
	require.Equal(t, sample.BanDuration, cfg.BanDuration)
	require.Equal(t, &mainNetParams, activeNetParams)
}
