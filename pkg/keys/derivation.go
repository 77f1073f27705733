package keys

import (
	"fmt"

	"github.com/falk/nca-go/pkg/crypto"
)

// GenerateKek runs the three-step kek derivation used for key-area keys.
func GenerateKek(src, masterKey, kekSeed, keySeed []byte) ([]byte, error) {
	kek, err := crypto.ECBDecrypt(kekSeed, masterKey)
	if err != nil {
		return nil, err
	}

	srcKek, err := crypto.ECBDecrypt(src, kek)
	if err != nil {
		return nil, err
	}

	if keySeed != nil {
		return crypto.ECBDecrypt(keySeed, srcKek)
	}
	return srcKek, nil
}

// derive generates the Key Area Keys and Title Keks for all available
// master keys. Called once from Parse.
func (s *Store) derive() {
	aesKekGen := s.raw["aes_kek_generation_source"]
	aesKeyGen := s.raw["aes_key_generation_source"]
	titleKekSource := s.raw["titlekek_source"]

	keyAreaSources := [3][]byte{
		s.raw["key_area_key_application_source"],
		s.raw["key_area_key_ocean_source"],
		s.raw["key_area_key_system_source"],
	}

	for i := 0; i < 32; i++ {
		masterKey := s.raw[fmt.Sprintf("master_key_%02x", i)]
		if masterKey == nil {
			continue
		}

		// TitleKek is Decrypt(titlekek_source, master_key)
		if titleKekSource != nil {
			tk, err := crypto.ECBDecrypt(titleKekSource, masterKey)
			if err == nil && len(tk) == 16 {
				copy(s.titleKeks[i][:], tk)
				s.haveTkek[i] = true
			}
		}

		if aesKekGen == nil || aesKeyGen == nil {
			continue
		}

		// Key Area Keys (Application, Ocean, System)
		for typeIdx := 0; typeIdx < 3; typeIdx++ {
			if keyAreaSources[typeIdx] == nil {
				continue
			}
			kak, err := GenerateKek(keyAreaSources[typeIdx], masterKey, aesKekGen, aesKeyGen)
			if err == nil && len(kak) == 16 {
				copy(s.keyAreaKeys[i][typeIdx][:], kak)
				s.haveKak[i][typeIdx] = true
			}
		}
	}
}
