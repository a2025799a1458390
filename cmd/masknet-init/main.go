package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/justinsb/sepnet/pkg/blobs"
	"github.com/justinsb/sepnet/pkg/masknn"
	"github.com/justinsb/sepnet/pkg/nn"
	"github.com/justinsb/sepnet/pkg/pretrained"
	"k8s.io/klog/v2"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log := klog.FromContext(ctx)

	arch := masknn.ArchTDConvNet
	flag.StringVar(&arch, "arch", arch, fmt.Sprintf("network architecture, one of %v", masknn.Architectures()))
	config := ""
	flag.StringVar(&config, "config", config, "JSON config, or @path to a JSON file")
	seed := int64(0)
	flag.Int64Var(&seed, "seed", seed, "seed for parameter initialization")
	out := "model.safetensors"
	flag.StringVar(&out, "out", out, "path of the checkpoint to write")

	store := os.Getenv("CACHE_BUCKET")
	flag.StringVar(&store, "store", store, "optional blob store to publish to: gs://<bucket> or file://<dir>")
	model := ""
	flag.StringVar(&model, "model", model, "name[@revision] to publish the checkpoint as")

	klog.InitFlags(nil)

	flag.Parse()

	rawConfig, err := readConfig(config)
	if err != nil {
		return err
	}
	net, err := masknn.Build(arch, rawConfig, nn.NewInit(seed))
	if err != nil {
		return err
	}
	params, err := nn.Params(net)
	if err != nil {
		return err
	}
	count := 0
	for _, p := range params {
		count += p.Len()
	}
	log.Info("built network", "architecture", arch, "config", net.ConfigSnapshot(), "tensors", len(params), "parameters", count)

	if err := pretrained.Save(net, out); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	log.Info("wrote checkpoint", "path", out)

	if store == "" {
		return nil
	}
	if model == "" {
		return fmt.Errorf("must specify --model to publish to %q", store)
	}
	info, err := blobs.ParseBlobInfo(model)
	if err != nil {
		return err
	}

	blobstore, err := blobs.ParseStoreURL(store, false)
	if err != nil {
		return err
	}
	if err := blobstore.Upload(ctx, out, info); err != nil {
		return fmt.Errorf("publishing %v: %w", info, err)
	}
	return nil
}

func readConfig(config string) ([]byte, error) {
	if config == "" {
		return nil, fmt.Errorf("must specify --config")
	}
	if path, ok := strings.CutPrefix(config, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		return b, nil
	}
	return []byte(config), nil
}
