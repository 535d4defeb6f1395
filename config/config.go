// Package config loads Channel option defaults from a YAML file, the same
// read-file/unmarshal/validate/default shape as
// nishisan-dev-n-backup/internal/config.LoadAgentConfig, adapted from a
// full application config to the handful of knobs netchan.Options exposes.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sagernet/netchan"
	"gopkg.in/yaml.v3"
)

// WaterMark mirrors netchan.WaterMark in YAML-friendly form.
type WaterMark struct {
	High int `yaml:"high"`
	Low  int `yaml:"low"`
}

// File is the on-disk shape of a channel's option defaults.
type File struct {
	AutoRead             bool      `yaml:"auto_read"`
	AutoClose            bool      `yaml:"auto_close"`
	AllowHalfClosure     bool      `yaml:"allow_half_closure"`
	ConnectTimeoutMillis int       `yaml:"connect_timeout_millis"`
	WriteBufferWaterMark WaterMark `yaml:"write_buffer_water_mark"`
	MaxMessagesPerRead   int       `yaml:"max_messages_per_read"`
}

// Load reads and validates a File from path, filling in the same defaults
// NewOptions/DefaultMetadata use where the file omits a field or leaves a
// numeric field at zero.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading channel config: %w", err)
	}

	f := File{AutoRead: true, AutoClose: true}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing channel config: %w", err)
	}
	if err := f.applyDefaults(); err != nil {
		return nil, fmt.Errorf("validating channel config: %w", err)
	}
	return &f, nil
}

func (f *File) applyDefaults() error {
	if f.ConnectTimeoutMillis < 0 {
		return fmt.Errorf("connect_timeout_millis must be >= 0, got %d", f.ConnectTimeoutMillis)
	}
	if f.ConnectTimeoutMillis == 0 {
		f.ConnectTimeoutMillis = int(30 * time.Second / time.Millisecond)
	}
	if f.WriteBufferWaterMark == (WaterMark{}) {
		f.WriteBufferWaterMark = WaterMark{High: netchan.DefaultWaterMark.High, Low: netchan.DefaultWaterMark.Low}
	}
	if f.WriteBufferWaterMark.Low > f.WriteBufferWaterMark.High {
		return fmt.Errorf("write_buffer_water_mark.low (%d) must be <= .high (%d)", f.WriteBufferWaterMark.Low, f.WriteBufferWaterMark.High)
	}
	if f.MaxMessagesPerRead <= 0 {
		f.MaxMessagesPerRead = netchan.DefaultMetadata.MaxMessagesPerRead
	}
	return nil
}

// Metadata returns the netchan.Metadata this File implies, for passing to
// netchan.Config when constructing a Channel.
func (f *File) Metadata() netchan.Metadata {
	return netchan.Metadata{MaxMessagesPerRead: f.MaxMessagesPerRead}
}

// Apply issues SetOption for every knob this File carries, returning the
// resulting promises so a caller can wait for them (e.g. in tests) or
// discard them (the default is a safe fire-and-forget: SetOption always
// succeeds for these well-formed values).
func (f *File) Apply(ch *netchan.Channel) []*netchan.Promise {
	return []*netchan.Promise{
		ch.SetOption(netchan.OptionAutoRead, f.AutoRead),
		ch.SetOption(netchan.OptionAutoClose, f.AutoClose),
		ch.SetOption(netchan.OptionAllowHalfClosure, f.AllowHalfClosure),
		ch.SetOption(netchan.OptionConnectTimeoutMillis, f.ConnectTimeoutMillis),
		ch.SetOption(netchan.OptionWriteBufferWaterMark, netchan.WaterMark{
			High: f.WriteBufferWaterMark.High,
			Low:  f.WriteBufferWaterMark.Low,
		}),
	}
}
