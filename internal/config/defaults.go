package config

const (
	defaultConfigPath          = "~/.config/castfinder/config.toml"
	defaultGalleryDir          = "~/.local/share/castfinder/gallery"
	defaultOutputDir           = "~/.local/share/castfinder/results"
	defaultUploadDir           = "~/.local/share/castfinder/uploads"
	defaultCacheDir            = "~/.cache/castfinder"
	defaultIntervalSeconds     = 5.0
	defaultSamplingPolicy      = PolicyInterval
	defaultModel               = "Facenet512"
	defaultThreshold           = 1.04 // Facenet512 with euclidean_l2
	defaultDetectionConfidence = 0.5
	defaultTopK                = 5
	defaultEngine              = EngineONNX
	defaultDetectorModel       = "~/.local/share/castfinder/models/yolov8n-face.onnx"
	defaultEmbedderModel       = "~/.local/share/castfinder/models/facenet512.onnx"
	defaultPoolSize            = 4
	defaultUnitTimeoutSeconds  = 60
	defaultTMDBBaseURL         = "https://api.themoviedb.org/3"
	defaultTMDBLanguage        = "en-US"
	defaultBind                = "127.0.0.1:8080"
	defaultLogFormat           = "console"
	defaultLogLevel            = "info"
)

// Sampling policies.
const (
	PolicyInterval = "interval"
	PolicyFace     = "face"
)

// Engine kinds.
const (
	EngineONNX    = "onnx"
	EngineProcess = "process"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			GalleryDir: defaultGalleryDir,
			OutputDir:  defaultOutputDir,
			UploadDir:  defaultUploadDir,
			CacheDir:   defaultCacheDir,
		},
		Sampling: Sampling{
			IntervalSeconds: defaultIntervalSeconds,
			Policy:          defaultSamplingPolicy,
		},
		Matching: Matching{
			Model:               defaultModel,
			Threshold:           defaultThreshold,
			DetectionConfidence: defaultDetectionConfidence,
			TopK:                defaultTopK,
		},
		Engine: Engine{
			Kind:          defaultEngine,
			DetectorModel: defaultDetectorModel,
			EmbedderModel: defaultEmbedderModel,
			WorkerCommand: []string{"castfinder", "worker"},
		},
		Pool: Pool{
			Size:               defaultPoolSize,
			UnitTimeoutSeconds: defaultUnitTimeoutSeconds,
		},
		TMDB: TMDB{
			BaseURL:  defaultTMDBBaseURL,
			Language: defaultTMDBLanguage,
		},
		Server: Server{
			Bind: defaultBind,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
