package dso

import (
	"encoding/json"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Settings are the tunables injected into the backend. None of the thresholds below are hardcoded
// anywhere else.
type Settings struct {
	// A point is an inlier worth marginalizing only with at least this many live good residuals.
	MinGoodActiveResForMarg int `json:"min_good_active_res_for_marg"`
	// ... and at least this many good residuals over its lifetime.
	MinGoodResForMarg int `json:"min_good_res_for_marg"`

	InitialRotPrior   float64 `json:"initial_rot_prior"`
	InitialTransPrior float64 `json:"initial_trans_prior"`
	InitialAffAPrior  float64 `json:"initial_aff_a_prior"`
	InitialAffBPrior  float64 `json:"initial_aff_b_prior"`

	// A negative mode fixes the channel with the initial prior; otherwise the value is the prior itself.
	AffineOptModeA float64 `json:"affine_opt_mode_a"`
	AffineOptModeB float64 `json:"affine_opt_mode_b"`

	// RemovePosePrior zeroes the rotation/translation prior of the first frame.
	RemovePosePrior bool `json:"remove_pose_prior"`

	// GammaWeightPixelSelect weights squared image gradients by the squared response gradient.
	GammaWeightPixelSelect bool `json:"gamma_weight_pixel_select"`

	PyramidLevels int `json:"pyramid_levels"`
}

// DefaultSettings returns the settings the backend was tuned with.
func DefaultSettings() Settings {
	return Settings{
		MinGoodActiveResForMarg: 3,
		MinGoodResForMarg:       4,
		InitialRotPrior:         1e11,
		InitialTransPrior:       1e10,
		InitialAffAPrior:        1e14,
		InitialAffBPrior:        1e14,
		AffineOptModeA:          1e12,
		AffineOptModeB:          1e8,
		RemovePosePrior:         false,
		GammaWeightPixelSelect:  true,
		PyramidLevels:           MaxPyramidLevels,
	}
}

// Validate returns every problem with the settings at once.
func (s Settings) Validate() error {
	var err error
	if s.MinGoodActiveResForMarg < 0 {
		err = multierr.Append(err, errors.Errorf("min_good_active_res_for_marg must be non-negative, got %d", s.MinGoodActiveResForMarg))
	}
	if s.MinGoodResForMarg < 0 {
		err = multierr.Append(err, errors.Errorf("min_good_res_for_marg must be non-negative, got %d", s.MinGoodResForMarg))
	}
	for name, v := range map[string]float64{
		"initial_rot_prior":   s.InitialRotPrior,
		"initial_trans_prior": s.InitialTransPrior,
		"initial_aff_a_prior": s.InitialAffAPrior,
		"initial_aff_b_prior": s.InitialAffBPrior,
	} {
		if v < 0 {
			err = multierr.Append(err, errors.Errorf("%s must be non-negative, got %g", name, v))
		}
	}
	if s.PyramidLevels < 1 || s.PyramidLevels > MaxPyramidLevels {
		err = multierr.Append(err, errors.Errorf("pyramid_levels must be in [1, %d], got %d", MaxPyramidLevels, s.PyramidLevels))
	}
	return err
}

// LoadSettings reads settings from a json file. Keys absent from the file keep their default value.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	//nolint:gosec
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, errors.Wrapf(err, "reading settings %q", path)
	}
	if err := json.Unmarshal(data, &settings); err != nil {
		return Settings{}, errors.Wrapf(err, "parsing settings %q", path)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// SettingsFromAttributes decodes settings from a loosely typed attribute map, as found nested in a
// larger configuration document. Unknown keys are an error.
func SettingsFromAttributes(attributes map[string]interface{}) (Settings, error) {
	settings := DefaultSettings()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &settings,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Settings{}, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return Settings{}, errors.Wrap(err, "decoding settings attributes")
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}
