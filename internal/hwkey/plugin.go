package hwkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"

	extism "github.com/extism/go-sdk"
)

// PluginAdapter drives a hardware key through a WASM plugin loaded with
// the Extism SDK. The plugin talks to the actual device; this side only
// marshals requests and classifies failures.
type PluginAdapter struct {
	plugin *extism.Plugin
}

// LoadPlugin compiles and instantiates a device plugin from a .wasm
// file.
func LoadPlugin(ctx context.Context, path string) (*PluginAdapter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin %s: %w", path, err)
	}

	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{Data: data},
		},
	}
	config := extism.PluginConfig{
		EnableWasi: true,
	}

	plugin, err := extism.NewPlugin(ctx, manifest, config, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load device plugin: %w", err)
	}
	return &PluginAdapter{plugin: plugin}, nil
}

func (a *PluginAdapter) Close() error {
	if a.plugin != nil {
		return a.plugin.Close(context.Background())
	}
	return nil
}

// pluginError is the JSON error envelope shared by all plugin
// responses.
type pluginError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *PluginAdapter) call(ctx context.Context, fn string, req, resp any) error {
	input, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", fn, err)
	}

	exitCode, output, err := a.plugin.CallWithContext(ctx, fn, input)
	if err != nil {
		return &DeviceError{Code: CodeCommunicationFailure, Message: err.Error()}
	}
	if exitCode != 0 {
		return &DeviceError{
			Code:    CodeCommunicationFailure,
			Message: fmt.Sprintf("%s returned exit code %d", fn, exitCode),
		}
	}

	var envelope struct {
		Error *pluginError `json:"error"`
	}
	if err := json.Unmarshal(output, &envelope); err != nil {
		return &DeviceError{Code: CodeCommunicationFailure, Message: "malformed plugin response"}
	}
	if envelope.Error != nil {
		code := ErrorCode(envelope.Error.Code)
		switch code {
		case CodeNotPresent, CodeUserDeclined, CodeCommunicationFailure:
		default:
			code = CodeCommunicationFailure
		}
		return &DeviceError{Code: code, Message: envelope.Error.Message}
	}

	if resp != nil {
		if err := json.Unmarshal(output, resp); err != nil {
			return &DeviceError{Code: CodeCommunicationFailure, Message: "malformed plugin response"}
		}
	}
	return nil
}

func (a *PluginAdapter) DiscoverDevices(ctx context.Context) ([]Device, error) {
	var resp struct {
		Devices []Device `json:"devices"`
	}
	if err := a.call(ctx, "discover_devices", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

func (a *PluginAdapter) GenerateOnDevice(ctx context.Context, deviceID string) (*GeneratedKey, error) {
	req := struct {
		DeviceID string `json:"device_id"`
	}{DeviceID: deviceID}

	var resp struct {
		PublicKey string `json:"public_key"`
		Handle    string `json:"handle"`
	}
	if err := a.call(ctx, "generate_on_device", req, &resp); err != nil {
		return nil, err
	}

	pub, err := base64.StdEncoding.DecodeString(resp.PublicKey)
	if err != nil {
		return nil, &DeviceError{Code: CodeCommunicationFailure, Message: "plugin returned malformed public key"}
	}
	return &GeneratedKey{PublicKey: pub, Handle: resp.Handle}, nil
}

func (a *PluginAdapter) UnwrapWithDevice(ctx context.Context, deviceID, handle string, wrapped []byte) ([]byte, error) {
	req := struct {
		DeviceID string `json:"device_id"`
		Handle   string `json:"handle"`
		Wrapped  string `json:"wrapped"`
	}{DeviceID: deviceID, Handle: handle, Wrapped: base64.StdEncoding.EncodeToString(wrapped)}

	var resp struct {
		ContentKey string `json:"content_key"`
	}
	if err := a.call(ctx, "unwrap_with_device", req, &resp); err != nil {
		return nil, err
	}

	key, err := base64.StdEncoding.DecodeString(resp.ContentKey)
	if err != nil {
		return nil, &DeviceError{Code: CodeCommunicationFailure, Message: "plugin returned malformed key material"}
	}
	return key, nil
}
