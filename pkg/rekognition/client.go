// Package rekognition adapts Amazon Rekognition to the vision contract.
// Rekognition reports confidences and similarities as percentages; they are
// converted to [0,1] here.
package rekognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rtypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"

	"github.com/menta2k/scene-analyzer/pkg/client"
	"github.com/menta2k/scene-analyzer/pkg/reference"
	"github.com/menta2k/scene-analyzer/pkg/types"
)

// API is the subset of the Rekognition client the adapter uses
type API interface {
	DetectLabels(ctx context.Context, params *rekognition.DetectLabelsInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectLabelsOutput, error)
	DetectFaces(ctx context.Context, params *rekognition.DetectFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectFacesOutput, error)
	CompareFaces(ctx context.Context, params *rekognition.CompareFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.CompareFacesOutput, error)
}

// Config selects the AWS account and request thresholds
type Config struct {
	Region              string
	Profile             string
	MaxLabels           int32
	MinLabelConfidence  float64 // [0,1]
	SimilarityThreshold float64 // [0,1]
}

// Client implements client.VisionClient on top of Rekognition
type Client struct {
	api     API
	library *reference.Library
	config  Config
	logger  *slog.Logger
}

var _ client.VisionClient = (*Client)(nil)

// New loads the default AWS configuration (environment, shared files,
// instance role) and creates a client.
func New(ctx context.Context, config Config, library *reference.Library, logger *slog.Logger) (*Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		opts = append(opts, awsconfig.WithRegion(config.Region))
	}
	if config.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(config.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("rekognition: load aws config: %w", err)
	}
	return NewWithAPI(rekognition.NewFromConfig(cfg), config, library, logger), nil
}

// NewWithAPI creates a client over an existing API implementation
func NewWithAPI(api API, config Config, library *reference.Library, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if config.MaxLabels <= 0 {
		config.MaxLabels = 20
	}
	return &Client{api: api, library: library, config: config, logger: logger}
}

// DetectLabels calls DetectLabels and keeps parents and instance boxes
func (c *Client) DetectLabels(ctx context.Context, img types.Image) ([]types.Label, error) {
	out, err := c.api.DetectLabels(ctx, &rekognition.DetectLabelsInput{
		Image:         &rtypes.Image{Bytes: img.Bytes},
		MaxLabels:     aws.Int32(c.config.MaxLabels),
		MinConfidence: aws.Float32(float32(c.config.MinLabelConfidence * 100)),
	})
	if err != nil {
		return nil, classify(err)
	}

	labels := make([]types.Label, 0, len(out.Labels))
	for _, l := range out.Labels {
		label := types.Label{
			Name:       aws.ToString(l.Name),
			Confidence: percent(l.Confidence),
		}
		for _, p := range l.Parents {
			if name := aws.ToString(p.Name); name != "" {
				label.Parents = append(label.Parents, name)
			}
		}
		for _, inst := range l.Instances {
			if box := toBox(inst.BoundingBox); !box.Empty() {
				label.Instances = append(label.Instances, box)
			}
		}
		labels = append(labels, label)
	}
	return labels, nil
}

// DetectFaces calls DetectFaces with all attributes
func (c *Client) DetectFaces(ctx context.Context, img types.Image) ([]types.FaceDetail, error) {
	out, err := c.api.DetectFaces(ctx, &rekognition.DetectFacesInput{
		Image:      &rtypes.Image{Bytes: img.Bytes},
		Attributes: []rtypes.Attribute{rtypes.AttributeAll},
	})
	if err != nil {
		return nil, classify(err)
	}

	faces := make([]types.FaceDetail, 0, len(out.FaceDetails))
	for _, fd := range out.FaceDetails {
		faces = append(faces, types.FaceDetail{
			Box:        toBox(fd.BoundingBox),
			Confidence: percent(fd.Confidence),
			Attributes: attributes(fd),
		})
	}
	return faces, nil
}

// CompareFaces compares every portrait of the collection against the image.
// Portraits Rekognition finds no face in are skipped.
func (c *Client) CompareFaces(ctx context.Context, img types.Image, referenceCollectionID string) ([]types.FaceMatch, error) {
	if c.library == nil {
		return []types.FaceMatch{}, nil
	}
	refs, err := c.library.Faces(referenceCollectionID)
	if err != nil {
		return nil, err
	}

	matches := []types.FaceMatch{}
	for _, ref := range refs {
		out, err := c.api.CompareFaces(ctx, &rekognition.CompareFacesInput{
			SourceImage:         &rtypes.Image{Bytes: ref.Bytes},
			TargetImage:         &rtypes.Image{Bytes: img.Bytes},
			SimilarityThreshold: aws.Float32(float32(c.config.SimilarityThreshold * 100)),
		})
		if err != nil {
			var invalid *rtypes.InvalidParameterException
			if errors.As(err, &invalid) {
				c.logger.Warn("rekognition: reference portrait rejected", "identity", ref.Identity, "error", err)
				continue
			}
			return nil, classify(err)
		}
		for _, m := range out.FaceMatches {
			if m.Face == nil {
				continue
			}
			matches = append(matches, types.FaceMatch{
				Box:        toBox(m.Face.BoundingBox),
				IdentityID: ref.Identity,
				Similarity: percent(m.Similarity),
			})
		}
	}
	return matches, nil
}

// classify maps AWS error codes to service error kinds
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ProvisionedThroughputExceededException", "LimitExceededException":
		return client.NewServiceError(types.KindThrottled, err)
	case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException",
		"ExpiredTokenException", "MissingAuthenticationTokenException":
		return client.NewServiceError(types.KindAuthError, err)
	default:
		return client.NewServiceError(types.KindUnavailable, err)
	}
}

func percent(v *float32) float64 {
	return float64(aws.ToFloat32(v)) / 100
}

func toBox(b *rtypes.BoundingBox) types.Box {
	if b == nil {
		return types.Box{}
	}
	return types.Box{
		Left:   float64(aws.ToFloat32(b.Left)),
		Top:    float64(aws.ToFloat32(b.Top)),
		Width:  float64(aws.ToFloat32(b.Width)),
		Height: float64(aws.ToFloat32(b.Height)),
	}.Clamp()
}

// boolString formats the Value field of boolean face attributes
func boolString(v any) string {
	switch b := v.(type) {
	case bool:
		return strconv.FormatBool(b)
	case *bool:
		return strconv.FormatBool(aws.ToBool(b))
	}
	return ""
}

func attributes(fd rtypes.FaceDetail) map[string]types.Attribute {
	attrs := map[string]types.Attribute{}

	if fd.AgeRange != nil {
		attrs["age_range"] = types.Attribute{
			Value:      fmt.Sprintf("%d-%d", aws.ToInt32(fd.AgeRange.Low), aws.ToInt32(fd.AgeRange.High)),
			Confidence: 1,
		}
	}
	if fd.Gender != nil {
		attrs["gender"] = types.Attribute{Value: strings.ToLower(string(fd.Gender.Value)), Confidence: percent(fd.Gender.Confidence)}
	}
	if fd.Smile != nil {
		attrs["smile"] = types.Attribute{Value: boolString(fd.Smile.Value), Confidence: percent(fd.Smile.Confidence)}
	}
	if fd.Eyeglasses != nil {
		attrs["eyeglasses"] = types.Attribute{Value: boolString(fd.Eyeglasses.Value), Confidence: percent(fd.Eyeglasses.Confidence)}
	}
	if fd.Sunglasses != nil {
		attrs["sunglasses"] = types.Attribute{Value: boolString(fd.Sunglasses.Value), Confidence: percent(fd.Sunglasses.Confidence)}
	}
	if fd.Beard != nil {
		attrs["beard"] = types.Attribute{Value: boolString(fd.Beard.Value), Confidence: percent(fd.Beard.Confidence)}
	}
	if fd.Mustache != nil {
		attrs["mustache"] = types.Attribute{Value: boolString(fd.Mustache.Value), Confidence: percent(fd.Mustache.Confidence)}
	}
	if fd.EyesOpen != nil {
		attrs["eyes_open"] = types.Attribute{Value: boolString(fd.EyesOpen.Value), Confidence: percent(fd.EyesOpen.Confidence)}
	}
	if fd.MouthOpen != nil {
		attrs["mouth_open"] = types.Attribute{Value: boolString(fd.MouthOpen.Value), Confidence: percent(fd.MouthOpen.Confidence)}
	}

	// Strongest emotion only
	var best *rtypes.Emotion
	for i := range fd.Emotions {
		e := &fd.Emotions[i]
		if best == nil || aws.ToFloat32(e.Confidence) > aws.ToFloat32(best.Confidence) {
			best = e
		}
	}
	if best != nil {
		attrs["emotion"] = types.Attribute{Value: strings.ToLower(string(best.Type)), Confidence: percent(best.Confidence)}
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
