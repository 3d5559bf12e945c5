package actions

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/relloyd/ogdsync/config"
	"github.com/relloyd/ogdsync/helper"
)

type ConfigSetConfig struct {
	ConfigFile *config.File `errorTxt:"config-file" mandatory:"yes"`
	Key        string       `errorTxt:"key" mandatory:"yes"`
	Value      string       `errorTxt:"value" mandatory:"yes"`
	Force      bool
	Writer     io.Writer
}

type ConfigRemoveConfig struct {
	ConfigFile *config.File `errorTxt:"config-file" mandatory:"yes"`
	Key        string       `errorTxt:"key" mandatory:"yes"`
	Writer     io.Writer
}

type ConfigListConfig struct {
	ConfigFile *config.File `errorTxt:"config-file" mandatory:"yes"`
	Writer     io.Writer
}

// RunConfigSet adds key+value to the given config file.
// If cfg.Force is not set then it returns an error when the key exists.
// The config file is created if it does not exist.
func RunConfigSet(cfg *ConfigSetConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil { // if the basics were not supplied...
		return err
	}
	var val interface{}
	if err := cfg.ConfigFile.Get(cfg.Key, &val); err == nil && !cfg.Force { // if key exists and we're not allowed to overwrite...
		return fmt.Errorf("key %q exists, use force to update the value or remove it first", cfg.Key)
	} else if err != nil && !errors.As(err, &config.KeyNotFoundError{}) { // if there was an unexpected error...
		return err
	}
	// Check the value decodes before saving it.
	s := config.Defaults()
	if err := config.Apply(&s, map[string]interface{}{cfg.Key: cfg.Value}, "value"); err != nil {
		return err
	}
	if err := cfg.ConfigFile.Set(cfg.Key, cfg.Value); err != nil {
		return fmt.Errorf("error writing config file after adding: %v", err)
	}
	_, _ = fmt.Fprintf(writerOrStdout(cfg.Writer), "Key %q added to %q\n", cfg.Key, cfg.ConfigFile.FullPath)
	return nil
}

// RunConfigRemove removes a key from the given config file.
func RunConfigRemove(cfg *ConfigRemoveConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil { // if the basics were not supplied...
		return err
	}
	if err := cfg.ConfigFile.Delete(cfg.Key); err != nil {
		return fmt.Errorf("unable to delete key %q from config: %v", cfg.Key, err)
	}
	_, _ = fmt.Fprintf(writerOrStdout(cfg.Writer), "Key %q removed\n", cfg.Key)
	return nil
}

// RunConfigList prints the keys and values in the config file, hiding the token.
func RunConfigList(cfg *ConfigListConfig) error {
	if err := helper.ValidateStructIsPopulated(cfg); err != nil {
		return err
	}
	keys, err := cfg.ConfigFile.GetAllKeys()
	if err != nil {
		return err
	}
	w := writerOrStdout(cfg.Writer)
	for _, k := range keys {
		var v string
		if err = cfg.ConfigFile.Get(k, &v); err != nil {
			return err
		}
		if k == "token" {
			v = "****"
		}
		_, _ = fmt.Fprintf(w, "%v: %v\n", k, v)
	}
	return nil
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
