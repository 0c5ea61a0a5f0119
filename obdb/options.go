// Copyright (C) 2018-2019  Nexedi SA and Contributors.
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

package obdb

// config collects Open's optional settings.
type config struct {
	classes map[string]Factory
	verbose bool
}

func defaultConfig() *config {
	return &config{classes: map[string]Factory{}}
}

// Option configures Open.
type Option func(*config)

// WithClass pre-registers a class, equivalent to calling
// Database.RegisterClass right after Open.
func WithClass(name string, f Factory) Option {
	return func(c *config) {
		c.classes[name] = f
	}
}

// WithVerboseOpen logs a summary line (via glog) after a successful Open.
func WithVerboseOpen() Option {
	return func(c *config) {
		c.verbose = true
	}
}
