package supervisor

import (
	"strconv"
	"strings"

	"github.com/turnwarden/turnwarden/internal/models"
)

// randomMapSizes are the map names that select a generated random map
// instead of a map file; the suffix is the province count per player.
var randomMapSizes = map[string]string{
	"vanilla_10": "10",
	"vanilla_15": "15",
	"vanilla_20": "20",
	"vanilla_25": "25",
}

// BuildArgs maps a match's configuration onto the server's CLI flags. The
// mapping is deterministic: the same match always produces the same vector,
// independent of field mutation order.
func BuildArgs(match *models.Match) []string {
	set := match.Settings

	args := []string{
		"--tcpserver",
		"--ipadr", "localhost",
		"--newgame", match.Name,
		"--port", strconv.Itoa(match.Port),
		"--era", strconv.Itoa(set.Era),
		"--globals", strconv.Itoa(set.GlobalSlots),
		"--eventrarity", strconv.Itoa(set.EventRarity),
		"--masterpass", set.MasterPass,
		"--requiredap", strconv.Itoa(set.RequiredAP),
		"--noclientstart",
		"--textonly",
	}

	if len(set.Thrones) > 0 {
		args = append(args, "--thrones")
		for _, n := range set.Thrones {
			args = append(args, strconv.Itoa(n))
		}
	}

	switch set.StoryEvents {
	case models.StoryEventsNone:
		args = append(args, "--nostoryevents")
	case models.StoryEventsSome:
		args = append(args, "--storyevents")
	case models.StoryEventsAll:
		args = append(args, "--allstoryevents")
	}

	if set.NoGoingAI {
		args = append(args, "--nonewai")
	}
	if set.ResearchRandom {
		args = append(args, "--norandres")
	}

	if size, ok := randomMapSizes[set.Map]; ok {
		args = append(args, "--randmap", size)
	} else if set.Map != "" {
		args = append(args, "--mapfile", set.Map)
	}

	for _, mod := range set.Mods {
		if mod = strings.TrimSpace(mod); mod != "" {
			args = append(args, "--enablemod", mod)
		}
	}

	if set.TeamGame {
		args = append(args, "--teamgame")
	}

	args = appendOpt(args, "--research", set.ResearchRate)
	args = appendOpt(args, "--hofsize", set.HallOfFame)
	args = appendOpt(args, "--mercsize", set.MercSlots)
	args = appendOpt(args, "--indepstr", set.IndieStr)
	args = appendOpt(args, "--magicsites", set.MagicSites)
	args = appendOpt(args, "--richness", set.Richness)
	args = appendOpt(args, "--resources", set.Resources)
	args = appendOpt(args, "--recruitment", set.Recruitment)
	args = appendOpt(args, "--supplies", set.Supplies)
	args = appendOpt(args, "--startprov", set.StartProv)

	if set.Renaming {
		args = append(args, "--renaming")
	} else {
		args = append(args, "--norenaming")
	}

	switch set.ScoreGraphs {
	case models.ScoreGraphsShow:
		args = append(args, "--scoregraphs")
	case models.ScoreGraphsHidden:
		args = append(args, "--nonationinfo")
	}

	if set.NoArtRest {
		args = append(args, "--noartrest")
	}
	if set.NoLvl9Rest {
		args = append(args, "--nolvl9rest")
	}
	if set.Clustered {
		args = append(args, "--clustered")
	}
	if set.EdgeStart {
		args = append(args, "--edgestart")
	}

	args = appendOpt(args, "--newailvl", set.AILevel)

	if set.ConqAll {
		args = append(args, "--conqall")
	}
	args = appendOpt(args, "--cataclysm", set.Cataclysm)

	switch set.Diplo {
	case models.DiploDisabled:
		args = append(args, "--nodiplo")
	case models.DiploWeak:
		args = append(args, "--weakdiplo")
	}

	args = append(args, "--statfile")

	// statusdump is only needed to catch the lobby to turn-1 transition;
	// started matches skip it so the server stops rewriting the dump.
	if !match.Started {
		args = append(args, "--statusdump")
	}

	return args
}

func appendOpt(args []string, flag string, v *int) []string {
	if v == nil {
		return args
	}
	return append(args, flag, strconv.Itoa(*v))
}
