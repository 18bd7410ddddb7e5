// Package manifest provides loading and validation of oceangrid pipeline
// manifests.
//
// A pipeline manifest is a YAML or JSON file that describes one processing
// campaign: which sensors, variables and dates to cover, where raw scenes
// come from, which external binaries run the Level-1 to Level-3 stages, the
// target grid, and which composites to build.
//
// Manifests are validated against a JSON Schema before anything else
// happens; unknown properties are rejected. Check then performs the
// semantic validation the schema cannot express (date order, grid
// geometry, stage binaries).
//
// Example manifest (YAML):
//
//	version: "1.0"
//	name: gulf-chl-8day
//	begin: "2016-01-01"
//	end: "2016-01-31"
//	sensors: [A, T]
//	variables: [chlor_a]
//	source:
//	  index_url: https://archive.example.org/l1a/index.txt
//	stages:
//	  process:
//	    binary: l2gen
//	    args: ["ifile={input}", "ofile={output}", "l2prod={param:l2prod}"]
//	    params: {l2prod: chlor_a}
//	  bin:
//	    binary: l2bin-csv
//	    args: ["ifile={input}", "ofile={output}", "resolve={param:resolve}"]
//	regrid:
//	  projection: "+proj=laea +lat_0=20 +lon_0=-95"
//	  extent: {south: 15, north: 30, west: -100, east: -80}
//	  pixel_size: 2000
//	composite:
//	  periods: [8DAY, MON]
//	  statistic: mean
package manifest

// Manifest represents a validated pipeline manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Name labels the run in the registry and reports.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// DataRoot is the archive root. Empty falls back to the data_root
	// configuration key.
	DataRoot string `json:"data_root,omitempty" yaml:"data_root,omitempty"`

	// Begin and End are inclusive dates (YYYY-MM-DD).
	Begin string `json:"begin" yaml:"begin"`
	End   string `json:"end" yaml:"end"`

	// StepDays is the date step. Default: 1.
	StepDays int `json:"step_days,omitempty" yaml:"step_days,omitempty"`

	// Sensors are one-letter sensor codes (A, T, S, V, ...).
	Sensors []string `json:"sensors" yaml:"sensors"`

	// Variables are geophysical product names (chlor_a, sst, Rrs_443, ...).
	Variables []string `json:"variables" yaml:"variables"`

	// Daytime selects scenes by acquisition hour: "day", "night" or "any".
	// Default: "day".
	Daytime string `json:"daytime,omitempty" yaml:"daytime,omitempty"`

	// DayCutoffHour is the UTC hour after which a scene counts as a day
	// scene. Default: 12.
	DayCutoffHour *int `json:"day_cutoff_hour,omitempty" yaml:"day_cutoff_hour,omitempty"`

	// Workers bounds each stage's worker pool. Zero defers to configuration.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// FailOnError makes a run with failed jobs exit nonzero.
	FailOnError bool `json:"fail_on_error,omitempty" yaml:"fail_on_error,omitempty"`

	Source    SourceConfig    `json:"source,omitempty" yaml:"source,omitempty"`
	Fetch     FetchConfig     `json:"fetch,omitempty" yaml:"fetch,omitempty"`
	Stages    StagesConfig    `json:"stages,omitempty" yaml:"stages,omitempty"`
	Regrid    RegridConfig    `json:"regrid" yaml:"regrid"`
	Composite CompositeConfig `json:"composite,omitempty" yaml:"composite,omitempty"`
	Sinks     SinksConfig     `json:"sinks,omitempty" yaml:"sinks,omitempty"`
	Catalog   CatalogConfig   `json:"catalog,omitempty" yaml:"catalog,omitempty"`
	Output    OutputConfig    `json:"output,omitempty" yaml:"output,omitempty"`
}

// SourceConfig says where raw scenes are discovered.
//
// Exactly one of IndexURL or Location is used; IndexURL wins when both
// are set.
type SourceConfig struct {
	// IndexURL is a plain-text listing, one "name [size] [checksum]" per line.
	IndexURL string `json:"index_url,omitempty" yaml:"index_url,omitempty"`

	// Location is an s3://bucket/prefix or file:///dir listing root.
	Location string `json:"location,omitempty" yaml:"location,omitempty"`

	// URLTemplate overrides the listed URL. Placeholders: {base},
	// {sensor_code}, {year}, {doy}, {filename}.
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty"`

	// Includes and Excludes are doublestar globs over listed paths.
	Includes []string `json:"includes,omitempty" yaml:"includes,omitempty"`
	Excludes []string `json:"excludes,omitempty" yaml:"excludes,omitempty"`

	// Region, Endpoint, Profile and ForcePathStyle configure s3 locations.
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// FetchConfig overrides fetcher defaults for this run.
type FetchConfig struct {
	MaxAttempts  int     `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Timeout      string  `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	RateLimit    float64 `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Overwrite    bool    `json:"overwrite,omitempty" yaml:"overwrite,omitempty"`
	VerifyRemote bool    `json:"verify_remote,omitempty" yaml:"verify_remote,omitempty"`
}

// StagesConfig enables stages and configures the external ones.
type StagesConfig struct {
	Download  ToggleConfig   `json:"download,omitempty" yaml:"download,omitempty"`
	Process   ExternalConfig `json:"process,omitempty" yaml:"process,omitempty"`
	Bin       ExternalConfig `json:"bin,omitempty" yaml:"bin,omitempty"`
	Regrid    ToggleConfig   `json:"regrid,omitempty" yaml:"regrid,omitempty"`
	Composite ToggleConfig   `json:"composite,omitempty" yaml:"composite,omitempty"`
}

// ToggleConfig enables an in-process stage. Enabled defaults to true.
type ToggleConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports the effective setting.
func (t ToggleConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// ExternalConfig configures an external binary stage.
type ExternalConfig struct {
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`

	// Binary is an executable name or path. Required when enabled.
	Binary string `json:"binary,omitempty" yaml:"binary,omitempty"`

	// Args are templates using {input}, {output} and {param:name}.
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`

	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Env    []string          `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout per invocation. Empty defers to configuration.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries is how many times a failed invocation is re-run. Nil
	// defers to configuration.
	Retries *int `json:"retries,omitempty" yaml:"retries,omitempty"`
}

// IsEnabled reports the effective setting.
func (e ExternalConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// RegridConfig describes the target grid and the bin filtering rules.
type RegridConfig struct {
	// BinResolution names the binning scheme of the bin stage output
	// ("1", "2", "4", "9", "H", ...). Default: "2".
	BinResolution string `json:"bin_resolution,omitempty" yaml:"bin_resolution,omitempty"`

	// Resolution is the label written into L3m filenames. Default: "2km".
	Resolution string `json:"resolution,omitempty" yaml:"resolution,omitempty"`

	// Projection is a proj4 definition. Default: "+proj=longlat".
	Projection string `json:"projection,omitempty" yaml:"projection,omitempty"`

	Extent ExtentConfig `json:"extent" yaml:"extent"`

	// PixelSize is in projection units (degrees for longlat, metres for laea).
	PixelSize float64 `json:"pixel_size" yaml:"pixel_size"`

	// Reducer is mean, max, min or or. Default: mean.
	Reducer string `json:"reducer,omitempty" yaml:"reducer,omitempty"`

	Footprint bool `json:"footprint,omitempty" yaml:"footprint,omitempty"`

	// QualityThreshold rejects bins with a worse quality code. Default: 2.
	QualityThreshold *int `json:"quality_threshold,omitempty" yaml:"quality_threshold,omitempty"`

	// FlagMask is a number or comma separated flag names. Empty uses the
	// suite's default mask.
	FlagMask string `json:"flag_mask,omitempty" yaml:"flag_mask,omitempty"`

	// NoData overrides the raster no-data value.
	NoData *float64 `json:"nodata,omitempty" yaml:"nodata,omitempty"`
}

// ExtentConfig is a lat/lon bounding box in degrees.
type ExtentConfig struct {
	South float64 `json:"south" yaml:"south"`
	North float64 `json:"north" yaml:"north"`
	West  float64 `json:"west" yaml:"west"`
	East  float64 `json:"east" yaml:"east"`
}

// CompositeConfig lists the composites to build from daily rasters.
type CompositeConfig struct {
	// Periods are composite names: DAY, 8DAY, 16DAY, <n>DAY, MON.
	// Default: [8DAY].
	Periods []string `json:"periods,omitempty" yaml:"periods,omitempty"`

	// Statistic is mean, median, max or min. Default: mean.
	Statistic string `json:"statistic,omitempty" yaml:"statistic,omitempty"`

	// CrossSensor also builds sensor X composites combining every sensor.
	CrossSensor bool `json:"cross_sensor,omitempty" yaml:"cross_sensor,omitempty"`

	// CountLayer writes the contributing-count raster next to each
	// composite. Default: true.
	CountLayer *bool `json:"count_layer,omitempty" yaml:"count_layer,omitempty"`
}

// WriteCount reports the effective count-layer setting.
func (c CompositeConfig) WriteCount() bool {
	return c.CountLayer == nil || *c.CountLayer
}

// SinksConfig controls where rasters are written.
type SinksConfig struct {
	// Compression is gzip or none. Default: gzip.
	Compression string `json:"compression,omitempty" yaml:"compression,omitempty"`

	// S3 additionally uploads every raster when Bucket is set.
	S3 *S3SinkConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// S3SinkConfig configures raster upload.
type S3SinkConfig struct {
	Bucket         string `json:"bucket" yaml:"bucket"`
	Prefix         string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	Region         string `json:"region,omitempty" yaml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// CatalogConfig enables the Postgres raster catalog.
type CatalogConfig struct {
	// DSN is a postgres connection string. Empty defers to configuration;
	// both empty disables the catalog.
	DSN string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
}

// OutputConfig configures the JSONL run report.
type OutputConfig struct {
	// Report is a file path, "stdout", or empty for
	// <data_root>/reports/<run_id>.jsonl.
	Report string `json:"report,omitempty" yaml:"report,omitempty"`
}

// Default values for optional fields.
const (
	DefaultVersion       = "1.0"
	DefaultStepDays      = 1
	DefaultDaytime       = "day"
	DefaultCutoffHour    = 12
	DefaultBinResolution = "2"
	DefaultResolution    = "2km"
	DefaultProjection    = "+proj=longlat"
	DefaultReducer       = "mean"
	DefaultQuality       = 2
	DefaultPeriod        = "8DAY"
	DefaultStatistic     = "mean"
	DefaultCompression   = "gzip"
)

// Daytime selections.
const (
	DaytimeDay   = "day"
	DaytimeNight = "night"
	DaytimeAny   = "any"
)

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	if m.StepDays == 0 {
		m.StepDays = DefaultStepDays
	}
	if m.Daytime == "" {
		m.Daytime = DefaultDaytime
	}
	if m.DayCutoffHour == nil {
		h := DefaultCutoffHour
		m.DayCutoffHour = &h
	}

	r := &m.Regrid
	if r.BinResolution == "" {
		r.BinResolution = DefaultBinResolution
	}
	if r.Resolution == "" {
		r.Resolution = DefaultResolution
	}
	if r.Projection == "" {
		r.Projection = DefaultProjection
	}
	if r.Reducer == "" {
		r.Reducer = DefaultReducer
	}
	if r.QualityThreshold == nil {
		q := DefaultQuality
		r.QualityThreshold = &q
	}

	if len(m.Composite.Periods) == 0 {
		m.Composite.Periods = []string{DefaultPeriod}
	}
	if m.Composite.Statistic == "" {
		m.Composite.Statistic = DefaultStatistic
	}
	if m.Sinks.Compression == "" {
		m.Sinks.Compression = DefaultCompression
	}
}
