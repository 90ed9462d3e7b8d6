// synctest runs two rollback sessions against each other in one
// process, over a lossy in-memory link, and verifies that their
// simulations stay bit-identical. It is the quickest way to check that
// the engine's rollback and resimulation paths are deterministic before
// pointing it at a real network.
package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lockstepio/go-rollback/config"
	"github.com/lockstepio/go-rollback/hash"
	"github.com/lockstepio/go-rollback/session"
	"github.com/lockstepio/go-rollback/transport/memory"
	"github.com/lockstepio/go-rollback/types"
)

var (
	frames  int
	loss    float64
	seed    int64
	cfgFile string
	verbose bool
)

var cmd = &cobra.Command{
	Use:   "synctest",
	Short: "run two rollback sessions against each other and verify determinism",
	RunE: func(*cobra.Command, []string) error {
		return run()
	},
}

func main() {
	cmd.PersistentFlags().IntVar(&frames, "frames", 600, "frames to simulate")
	cmd.PersistentFlags().Float64Var(&loss, "loss", 0.1, "datagram loss probability on the loopback link")
	cmd.PersistentFlags().Int64Var(&seed, "seed", 42, "seed for the input generator and the link")
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "optional session config file")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "debug logging")
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.DefaultConfig()
	if cfgFile == "" {
		return cfg, nil
	}
	v := viper.New()
	v.SetConfigFile(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// sim is a deliberately tiny deterministic simulation: one int64
// accumulator per player, advanced by the little-endian input.
type sim struct {
	frame types.Frame
	state []int64
}

func newSim(players int) *sim {
	return &sim{state: make([]int64, players)}
}

func (s *sim) SaveState(types.Frame) ([]byte, error) {
	blob := make([]byte, 8*len(s.state)+4)
	binary.LittleEndian.PutUint32(blob, uint32(s.frame))
	for i, v := range s.state {
		binary.LittleEndian.PutUint64(blob[4+8*i:], uint64(v))
	}
	return blob, nil
}

func (s *sim) LoadState(_ types.Frame, blob []byte) error {
	s.frame = types.Frame(binary.LittleEndian.Uint32(blob))
	for i := range s.state {
		s.state[i] = int64(binary.LittleEndian.Uint64(blob[4+8*i:]))
	}
	return nil
}

func (s *sim) AdvanceTick(_ types.Frame, inputs [][]byte) error {
	for i, in := range inputs {
		s.state[i] += int64(int32(binary.LittleEndian.Uint32(in)))
	}
	s.frame++
	return nil
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
	}
	cfg.InputSize = 4

	epA, epB := memory.Pair("a", "b", memory.WithLoss(loss), memory.WithSeed(seed))
	simA, simB := newSim(2), newSim(2)

	sessA, err := session.New(cfg, simA, epA, 2, 0, session.WithLogger(logger.Named("a")))
	if err != nil {
		return err
	}
	sessB, err := session.New(cfg, simB, epB, 2, 1, session.WithLogger(logger.Named("b")))
	if err != nil {
		return err
	}
	if err := sessA.AddPeer("b", 1, session.PolicyMandatory); err != nil {
		return err
	}
	if err := sessB.AddPeer("a", 0, session.PolicyMandatory); err != nil {
		return err
	}

	inputs := rand.New(rand.NewSource(seed))
	advanced := 0
	for tick := 0; advanced < frames; tick++ {
		if tick > frames*100 {
			return fmt.Errorf("no progress after %d ticks (%d/%d frames)", tick, advanced, frames)
		}
		epA.Deliver(sessA.HandleMessage)
		epB.Deliver(sessB.HandleMessage)

		stepped, err := step(sessA, inputs)
		if err != nil {
			return fmt.Errorf("session a: %w", err)
		}
		if _, err := step(sessB, inputs); err != nil {
			return fmt.Errorf("session b: %w", err)
		}
		if stepped {
			advanced++
		}
	}

	blobA, _ := simA.SaveState(0)
	blobB, _ := simB.SaveState(0)
	sumA, sumB := hash.Checksum(blobA), hash.Checksum(blobB)
	// The sessions may be a few frames apart; only equal frames compare.
	fmt.Printf("a: frame=%d checksum=%016x\n", simA.frame, sumA)
	fmt.Printf("b: frame=%d checksum=%016x\n", simB.frame, sumB)
	if simA.frame == simB.frame && sumA != sumB {
		return fmt.Errorf("desync: sessions diverged at frame %d", simA.frame)
	}
	fmt.Println("ok")
	return nil
}

func step(s *session.Session, rng *rand.Rand) (bool, error) {
	frame := s.CurrentFrame()
	in := make([]byte, 4)
	binary.LittleEndian.PutUint32(in, uint32(rng.Int31n(16)))
	if err := s.AddLocalInput(frame, in); err != nil &&
		!errors.Is(err, session.ErrNotSynchronized) {
		return false, err
	}
	res, err := s.AdvanceFrame()
	if err != nil && !errors.Is(err, session.ErrMissingLocalInput) {
		return false, err
	}
	if res == session.ResultDesynced {
		return false, session.ErrDesync
	}
	return res == session.ResultAdvanced, nil
}
