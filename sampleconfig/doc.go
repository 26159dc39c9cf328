// Copyright (c) 2017 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

/*
Package sampleconfig provides a single constant that contains the contents of
the sample configuration file for p2pd.  It is written as the default
configuration file on first start so the file not only includes the
specifically configured values, but also documents the other options.
*/
package sampleconfig
