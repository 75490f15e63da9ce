package deploy

import "github.com/marc/cap-git-deploy/internal/remote"

const originRemote = "origin"

// Status and describe output is parsed, so git runs with the C locale.
func gitStatus() string { return "LC_ALL=C git status" }

func gitResetHard(ref string) string { return remote.Join("git", "reset", "--hard", ref) }

func gitFetch() string { return remote.Join("git", "fetch", originRemote) }

func gitCheckout(ref string) string { return remote.Join("git", "checkout", ref) }

func gitPull(branch string) string { return remote.Join("git", "pull", originRemote, branch) }

func gitTag(name string) string { return remote.Join("git", "tag", name) }

func gitClone(repository, dir string) string { return remote.Join("git", "clone", repository, dir) }

func gitDescribePrevious() string {
	return "LC_ALL=C " + remote.Join("git", "describe", "--tags", "--match", checkpointGlob, "--abbrev=0", "HEAD^")
}

func gitRevParseHead() string { return "git rev-parse HEAD" }

func gitListCheckpoints() string {
	return remote.Join("git", "tag", "--merged", "HEAD", "--list", checkpointGlob, "--sort=-refname")
}

func mkdirGroupWritable(dirs []string) string {
	args := remote.Join(dirs...)
	return "mkdir -p " + args + " && chmod g+w " + args
}

func originRef(branch string) string { return originRemote + "/" + branch }
