// Copyright (C) 2017-2019  Nexedi SA and Contributors.
//                          Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

/*
obdbtool - inspect and verify an obdb log file.

Subcommands:

	obdbtool dump   <path>              print every committed transaction and the object ids it touched
	obdbtool verify <path> [<path>...]  re-run crash recovery's scan and report transaction and object counts
	obdbtool tail   [-n ntxn] <path>    print the last few transactions, most recent first

verify accepts more than one path, in which case the files are checked
concurrently.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/malthe/dobbin/logstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "dump":
		err = cmdDump(args)
	case "verify":
		err = cmdVerify(args)
	case "tail":
		err = cmdTail(args)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "obdbtool: %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: obdbtool {dump|verify|tail} [flags] <path>\n")
}

func cmdDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}

	log, err := logstore.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer log.Close()

	recs, err := log.ReadFrom(0)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		fmt.Printf("txn %016x  user=%q desc=%q  %d object(s)\n", uint64(rec.Txid), rec.User, rec.Desc, len(rec.Objects))
		for _, o := range rec.Objects {
			fmt.Printf("    oid=%016x  %d byte(s)\n", uint64(o.Oid), len(o.Data))
		}
	}
	return nil
}

func cmdVerify(args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("expected at least one path argument")
	}

	paths := fs.Args()
	results := make([]string, len(paths))

	wg, _ := errgroup.WithContext(context.Background())
	for i, path := range paths {
		i, path := i, path
		wg.Go(func() error {
			log, err := logstore.Open(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			defer log.Close()
			results[i] = fmt.Sprintf("%s: ok, %d transaction(s), %d live object(s)", path, log.TxCount(), log.Len())
			return nil
		})
	}
	if err := wg.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		fmt.Println(r)
	}
	return nil
}

func cmdTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	ntxn := fs.Int("n", 10, "number of transactions to print")
	fs.Parse(args)
	if fs.NArg() != 1 {
		return fmt.Errorf("expected exactly one path argument")
	}

	log, err := logstore.Open(fs.Arg(0))
	if err != nil {
		return err
	}
	defer log.Close()

	recs, err := log.ReadFrom(0)
	if err != nil {
		return err
	}
	start := 0
	if len(recs) > *ntxn {
		start = len(recs) - *ntxn
	}
	for i := len(recs) - 1; i >= start; i-- {
		rec := recs[i]
		fmt.Printf("txn %016x  user=%q desc=%q  %d object(s)\n", uint64(rec.Txid), rec.User, rec.Desc, len(rec.Objects))
	}
	return nil
}
