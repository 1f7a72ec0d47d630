package key

import (
	"fmt"

	"demuxd/internal/config"
)

// Service provides decryption keys based on channel configuration.
// It is initialized once at startup and is safe for concurrent reads.
type Service struct {
	channelKeyMap map[string][]byte
}

// NewService creates and initializes a new key service from the given configuration.
func NewService(cfg *config.Config) (*Service, error) {
	keyMap := make(map[string][]byte)
	for _, channel := range cfg.Channels {
		if len(channel.Key) == 0 {
			continue
		}
		if _, exists := keyMap[channel.Id]; exists {
			return nil, fmt.Errorf("duplicate channel ID found in config: %s", channel.Id)
		}
		keyMap[channel.Id] = channel.Key
	}

	return &Service{
		channelKeyMap: keyMap,
	}, nil
}

// GetKeyForChannel retrieves a key for a given channel ID.
// It returns the key and a boolean indicating if the key was found.
func (s *Service) GetKeyForChannel(channelId string) ([]byte, bool) {
	// No lock needed as the map is read-only after initialization.
	key, found := s.channelKeyMap[channelId]
	return key, found
}
