package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v2"
)

var ogdHomeDir string
var Main *File

func init() {
	Main = NewConfigFileWithDir(mustGetConfigHomeDir(), MainFileFullName)
}

const (
	MainFileNamePrefix = "config"
	MainFileNameExt    = "yaml"
	MainFileFullName   = MainFileNamePrefix + "." + MainFileNameExt
)

// FileNotFoundError denotes failing to find configuration file.
type FileNotFoundError struct {
	name string
}

// Error returns the formatted configuration error.
func (f FileNotFoundError) Error() string {
	return fmt.Sprintf("config file %q not found", f.name)
}

type KeyNotFoundError struct {
	configFile string
	key        string
	err        error
}

func (k KeyNotFoundError) Error() string {
	if k.err != nil {
		return fmt.Sprintf("key %q not found in config file %q: %v", k.key, k.configFile, k.err)
	}
	return fmt.Sprintf("key %q not found in config file %q", k.key, k.configFile)
}

func (k KeyNotFoundError) Unwrap() error {
	return k.err
}

// File is a YAML map of settings keys to values.
type File struct {
	Dirname      string
	FileName     string
	FullPath     string
	data         map[string]interface{}
	dataIsLoaded bool
	mu           sync.Mutex
}

func NewConfigFileWithDir(dirName string, filename string) *File {
	return NewConfigFile(path.Join(dirName, filename))
}

func NewConfigFile(fullPath string) *File {
	return &File{
		Dirname:  path.Dir(fullPath),
		FileName: path.Base(fullPath),
		FullPath: fullPath,
		data:     make(map[string]interface{}),
	}
}

// Get will fetch the key from the config File into variable, out.
// Return an error if we can't find the key.
func (c *File) Get(key string, out interface{}) error {
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	c.mu.Lock()
	d, ok := c.data[key]
	c.mu.Unlock()
	if !ok { // if the key was not found...
		return KeyNotFoundError{configFile: c.FullPath, key: key}
	}
	if err := mapstructure.WeakDecode(d, out); err != nil {
		return KeyNotFoundError{c.FullPath, key, err}
	}
	return nil
}

// Set saves key with val, creating the file if needed.
// Only known settings keys are accepted.
func (c *File) Set(key string, val interface{}) error {
	if !IsSettingsKey(key) {
		return fmt.Errorf("unknown settings key %q; valid keys are %v", key, strings.Join(SettingsKeys(), ", "))
	}
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
	return c.save(key)
}

func (c *File) Delete(key string) error {
	if err := c.ensureLoaded(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, keyExists := c.data[key]; !keyExists {
		return KeyNotFoundError{configFile: c.FullPath, key: key}
	}
	delete(c.data, key)
	return c.save(key)
}

// GetAllKeys returns the sorted keys in the file.
func (c *File) GetAllKeys() ([]string, error) {
	if err := c.ensureLoaded(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	retval := make([]string, 0, len(c.data))
	for k := range c.data {
		retval = append(retval, k)
	}
	sort.Strings(retval)
	return retval, nil
}

// Data returns a copy of the file contents.
// It returns FileNotFoundError if the file does not exist.
func (c *File) Data() (map[string]interface{}, error) {
	if err := c.loadData(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	retval := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		retval[k] = v
	}
	return retval, nil
}

// ensureLoaded loads the file once; a missing file is treated as empty.
func (c *File) ensureLoaded() error {
	if c.dataIsLoaded {
		return nil
	}
	err := c.loadData()
	if err != nil && !errors.As(err, &FileNotFoundError{}) { // if the error is not a missing file...
		return err
	}
	return nil
}

func (c *File) loadData() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := os.ReadFile(c.FullPath)
	if os.IsNotExist(err) {
		return FileNotFoundError{c.FullPath}
	} else if err != nil {
		return err
	}
	data := make(map[string]interface{})
	if err = yaml.Unmarshal(b, &data); err != nil {
		return fmt.Errorf("error parsing config file %v: %w", c.FullPath, err)
	}
	c.data = data
	c.dataIsLoaded = true
	return nil
}

// save writes the data while the caller holds mu.
func (c *File) save(key string) error {
	b, err := yaml.Marshal(c.data)
	if err != nil {
		return fmt.Errorf("error marshalling data while writing key %v to config file %v: %v", key, c.FullPath, err)
	}
	if err = makeDir(c.Dirname); err != nil {
		return err
	}
	if err = os.WriteFile(c.FullPath, b, 0600); err != nil {
		return fmt.Errorf("error writing config file %v: %w", c.FullPath, err)
	}
	c.dataIsLoaded = true
	return nil
}

// DefaultFilePath is the settings file in the user's home directory.
func DefaultFilePath() string {
	return path.Join(mustGetConfigHomeDir(), MainFileFullName)
}
