package providers

import (
	"os"
	"sync"

	"github.com/nvr-ai/go-dnn/inference"
	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var envMu sync.Mutex

// InitializeEnvironment prepares the ONNX Runtime native layer. It is required once per
// process; later calls are no-ops, whatever library path they name.
//
// Order of operations:
//  1. Library path check: Ensures native runtime is accessible.
//  2. Point ONNX Runtime to the exact shared library path (overrides default search).
//  3. Environment setup: loads the native library and prepares internal state.
//
// Arguments:
//   - libPath: The shared library, GetSharedLibPath() when empty.
//   - log: Receives the library path.
//
// Returns:
//   - error: ErrConfiguration when the library is missing, ErrBackend when it fails to load.
func InitializeEnvironment(libPath string, log *logrus.Entry) error {
	envMu.Lock()
	defer envMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}

	if libPath == "" {
		libPath = GetSharedLibPath()
	}
	if libPath == "" {
		return inference.Configurationf("no ONNX Runtime library for this platform, set %s", SharedLibEnv)
	}
	if _, err := os.Stat(libPath); err != nil {
		return inference.Configurationf("ONNX Runtime library not found at %s: %v", libPath, err)
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return inference.Backendf("error initializing ORT environment: %v", err)
	}

	log.WithField("library", libPath).Info("🧠 onnxruntime environment initialized")
	return nil
}
