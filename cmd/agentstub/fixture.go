package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fixtureAgent struct {
	ID    string  `yaml:"id" json:"id"`
	Name  string  `yaml:"name" json:"name"`
	Role  string  `yaml:"role" json:"role"`
	State string  `yaml:"state" json:"state"`
	X     int     `yaml:"x" json:"x"`
	Y     int     `yaml:"y" json:"y"`
	Z     int     `yaml:"z" json:"z"`
	USDC  float64 `yaml:"usdc" json:"-"`
	IP    float64 `yaml:"ip" json:"-"`
}

type fixture struct {
	Agents []fixtureAgent `yaml:"agents"`
}

func loadFixture(path string) (fixture, error) {
	var f fixture
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("%s: %w", path, err)
	}
	seen := map[string]bool{}
	for i, a := range f.Agents {
		if a.ID == "" {
			return f, fmt.Errorf("%s: agent %d has no id", path, i)
		}
		if seen[a.ID] {
			return f, fmt.Errorf("%s: duplicate agent id %q", path, a.ID)
		}
		seen[a.ID] = true
		if f.Agents[i].State == "" {
			f.Agents[i].State = "idle"
		}
	}
	return f, nil
}
