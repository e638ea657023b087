/*
Copyright 2024, Cossack Labs Limited

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package cmd provides the hybrid CLI/YAML configuration used by IronVeil
// binaries: flags declared with the standard library are backfilled from a
// service YAML file, and the effective configuration can be dumped back.
package cmd

import (
	flag_ "flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/cossacklabs/ironveil/utils"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

var (
	configFile = flag_.String("config_file", "", "path to config")
	dumpConfig = flag_.Bool("dump_config", false, "dump configuration to the config file and exit")
)

// SignalCallback called on OS signal
type SignalCallback func()

// SignalHandler sends Signal to listeners and calls registered callbacks
type SignalHandler struct {
	ch        chan os.Signal
	listeners []net.Listener
	callbacks []SignalCallback
	signals   []os.Signal
}

// NewSignalHandler returns new SignalHandler registered for particular os.Signals
func NewSignalHandler(handledSignals []os.Signal) (*SignalHandler, error) {
	return &SignalHandler{ch: make(chan os.Signal, 1), signals: handledSignals}, nil
}

// AddListener to listeners list
func (handler *SignalHandler) AddListener(listener net.Listener) {
	handler.listeners = append(handler.listeners, listener)
}

// GetChannel returns channel of os.Signal
func (handler *SignalHandler) GetChannel() chan os.Signal {
	return handler.ch
}

// AddCallback to callbacks list
func (handler *SignalHandler) AddCallback(callback SignalCallback) {
	handler.callbacks = append(handler.callbacks, callback)
}

// Register subscribes to the signals and blocks until one arrives, then
// closes the listeners and runs the callbacks
func (handler *SignalHandler) Register() {
	for _, osSignal := range handler.signals {
		signal.Notify(handler.ch, osSignal)
	}
	<-handler.ch
	for _, listener := range handler.listeners {
		listener.Close()
	}
	for _, callback := range handler.callbacks {
		callback()
	}
}

// GenerateYaml writes the current flag set as a YAML document.
func GenerateYaml(output io.Writer, useDefault bool) {
	flag_.CommandLine.VisitAll(func(flag *flag_.Flag) {
		var s string
		if useDefault {
			s = fmt.Sprintf("# %v\n%v: %v\n", flag.Usage, flag.Name, flag.DefValue)
		} else {
			s = fmt.Sprintf("# %v\n%v: %v\n", flag.Usage, flag.Name, flag.Value)
		}
		fmt.Fprint(output, s, "\n")
	})
}

// DumpConfig writes the effective flag values to configPath.
func DumpConfig(configPath string, useDefault bool) error {
	absPath, err := utils.AbsPath(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0744); err != nil {
		return err
	}
	file, err := os.Create(absPath)
	if err != nil {
		return err
	}
	defer file.Close()

	GenerateYaml(file, useDefault)
	log.Infof("Config dumped to %s", configPath)
	return nil
}

// Parse command line flags, then backfill flags that were not passed on the
// command line from the YAML config. If dump_config was requested, generate
// the config and exit.
func Parse(configPath string) error {
	if err := flag_.CommandLine.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *configFile != "" {
		configPath = *configFile
	}
	var args []string
	if configPath != "" {
		configPath, err := utils.AbsPath(configPath)
		if err != nil {
			return err
		}
		exists, err := utils.FileExists(configPath)
		if err != nil {
			return err
		}
		if exists {
			data, err := os.ReadFile(configPath)
			if err != nil {
				return err
			}
			yamlConfig := map[string]interface{}{}
			if err := yaml.Unmarshal(data, &yamlConfig); err != nil {
				return err
			}
			setArgs := make(map[string]bool)
			flag_.Visit(func(flag *flag_.Flag) {
				setArgs[flag.Name] = true
			})
			// generate args list for flag.Parse as if they came from the cli
			args = make([]string, 0)
			flag_.VisitAll(func(flag *flag_.Flag) {
				if _, alreadySet := setArgs[flag.Name]; alreadySet {
					return
				}
				if value, ok := yamlConfig[flag.Name]; ok && value != nil {
					args = append(args, fmt.Sprintf("--%v=%v", flag.Name, value))
				}
			})
		}
	}
	if err := flag_.CommandLine.Parse(args); err != nil {
		return err
	}
	if *dumpConfig {
		if err := DumpConfig(configPath, true); err != nil {
			return err
		}
		os.Exit(0)
	}
	return nil
}
